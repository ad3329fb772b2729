package permissions

import "sort"

type Permission string

const (
	WorldView               Permission = "world:view"
	WorldUpdate             Permission = "world:update"
	WorldAnnounce           Permission = "world:announce"
	WorldSecrets            Permission = "world:secrets"
	WorldAPI                Permission = "world:api"
	WorldRoomsCreateStage   Permission = "world:rooms.create.stage"
	WorldRoomsCreateChat    Permission = "world:rooms.create.chat"
	WorldRoomsCreateBBB     Permission = "world:rooms.create.bbb"
	WorldRoomsCreateExhibit Permission = "world:rooms.create.exhibition"
	WorldRoomsCreatePoster  Permission = "world:rooms.create.poster"
	WorldUsersList          Permission = "world:users.list"
	WorldUsersManage        Permission = "world:users.manage"
	WorldChatDirect         Permission = "world:chat.direct"
	WorldExhibitionContact  Permission = "world:exhibition.contact"

	RoomView         Permission = "room:view"
	RoomUpdate       Permission = "room:update"
	RoomDelete       Permission = "room:delete"
	RoomChatRead     Permission = "room:chat.read"
	RoomChatJoin     Permission = "room:chat.join"
	RoomChatSend     Permission = "room:chat.send"
	RoomChatModerate Permission = "room:chat.moderate"
	RoomBBBJoin      Permission = "room:bbb.join"
	RoomBBBModerate  Permission = "room:bbb.moderate"
	RoomJanusJoin    Permission = "room:janus.join"
	RoomPollRead     Permission = "room:poll.read"
	RoomPollVote     Permission = "room:poll.vote"
	RoomPollManage   Permission = "room:poll.manage"
	RoomRouletteJoin Permission = "room:roulette.join"
	RoomPosterRead   Permission = "room:poster.read"
	RoomPosterVote   Permission = "room:poster.vote"

	RoomQuestionRead     Permission = "room:question.read"
	RoomQuestionAsk      Permission = "room:question.ask"
	RoomQuestionModerate Permission = "room:question.moderate"
)

// Communication permissions are removed from silenced and banned users.
var Communication = []Permission{
	RoomChatJoin, RoomChatSend, WorldChatDirect, RoomBBBJoin, RoomJanusJoin, RoomRouletteJoin,
	RoomPollVote, WorldExhibitionContact, RoomQuestionAsk,
}

func concat(lists ...[]Permission) []Permission {
	var res []Permission
	for _, l := range lists {
		res = append(res, l...)
	}
	return res
}

var (
	attendee    = []Permission{WorldView, WorldExhibitionContact, WorldChatDirect}
	viewer      = concat(attendee, []Permission{RoomView, RoomChatRead, RoomPollRead, RoomPosterRead, RoomQuestionRead})
	participant = concat(viewer, []Permission{
		RoomChatJoin, RoomChatSend, RoomPollVote, RoomRouletteJoin, RoomBBBJoin, RoomJanusJoin,
		RoomPosterVote, RoomQuestionAsk,
	})
	moderator = concat(participant, []Permission{
		RoomBBBModerate, RoomChatModerate, RoomPollManage, RoomQuestionModerate, WorldAnnounce,
	})
	admin = concat(moderator, []Permission{
		WorldUpdate, RoomUpdate, RoomDelete, WorldRoomsCreateStage, WorldRoomsCreateChat,
		WorldRoomsCreateBBB, WorldRoomsCreateExhibit, WorldRoomsCreatePoster, WorldUsersList,
		WorldUsersManage,
	})
	apiuser = concat(admin, []Permission{WorldAPI, WorldSecrets})
)

// DefaultRoles is the built-in role table used for permission keys a world or room does not
// configure.
var DefaultRoles = map[string][]Permission{
	"attendee":    attendee,
	"viewer":      viewer,
	"participant": participant,
	"moderator":   moderator,
	"admin":       admin,
	"apiuser":     apiuser,
}

// defaultHolders inverts DefaultRoles: permission -> roles holding it.
var defaultHolders = func() map[Permission][]string {
	res := map[Permission][]string{}
	for role, perms := range DefaultRoles {
		for _, p := range perms {
			res[p] = append(res[p], role)
		}
	}
	for p := range res {
		sort.Strings(res[p])
	}
	return res
}()

// All lists every known permission.
func All() []Permission {
	res := make([]Permission, 0, len(defaultHolders))
	for p := range defaultHolders {
		res = append(res, p)
	}
	sort.Slice(res, func(i, j int) bool { return res[i] < res[j] })
	return res
}
