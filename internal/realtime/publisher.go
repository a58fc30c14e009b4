package realtime

// Publisher pushes settlement status updates to subscribers. The websocket
// hub implements it; services treat it as fire-and-forget.
type Publisher interface {
	Publish(update StatusUpdate)
}
