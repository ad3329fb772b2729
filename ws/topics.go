package ws

// Group topics. Every connection subscribes to its world, user and socket topics after
// authentication; room, chat and poll topics follow the commands it sends.

func TopicWorld(worldId string) string { return "world." + worldId }

func TopicRoom(roomId string) string { return "room." + roomId }

func TopicChat(channelId string) string { return "chat." + channelId }

func TopicUser(userId string) string { return "user." + userId }

func TopicSocket(socketId string) string { return "socket." + socketId }

// TopicPollManage receives changes of draft and archived polls.
func TopicPollManage(roomId string) string { return "room." + roomId + ".poll.manage" }

func TopicPollRead(roomId string) string { return "room." + roomId + ".poll.read" }

// TopicPollResults receives result updates of a poll; voters join it.
func TopicPollResults(pollId string) string { return "poll." + pollId + ".results" }

func TopicQuestionRead(roomId string) string { return "room." + roomId + ".question.read" }

// TopicQuestionModerate receives questions waiting in the moderation queue.
func TopicQuestionModerate(roomId string) string { return "room." + roomId + ".question.moderate" }
