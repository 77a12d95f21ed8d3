package domain

type RoomID string

// Two naming conventions exist: a public preview room per model and a
// private room per billable session.
func ModelRoom(modelID string) RoomID {
	return RoomID("model:" + modelID)
}

func SessionRoom(id SessionID) RoomID {
	return RoomID("session:" + string(id))
}
