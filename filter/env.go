package filter

/*
Here the Env used in the event target filters is defined.
Filters travel with events between processes, so renaming properties breaks filters of events in flight.
*/

type User struct {
	Id              string
	Type            string
	Traits          []string
	ModerationState string
}

type Source struct {
	User
	Socket string
}

type Target struct {
	User
	Socket string
}

type Env struct {
	Source
	Target
	Topic string
	Type  string
}
