package tu

import "github.com/sipstack/core/message"

// funcDelegate adapts a handful of closures to uacore.ResponseDelegate
// for the TUs that only care about accept/reject/failure and have no
// use for the trying/progress/redirect callbacks (BYE, REGISTER
// refresh, and other single-shot in-dialog requests).
type funcDelegate struct {
	onAccept  func(*message.Response)
	onReject  func(*message.Response)
	onFailure func(error)
}

func (f *funcDelegate) OnTrying()                    {}
func (f *funcDelegate) OnProgress(*message.Response) {}
func (f *funcDelegate) OnRedirect(*message.Response) {}

func (f *funcDelegate) OnAccept(resp *message.Response) {
	if f.onAccept != nil {
		f.onAccept(resp)
	}
}

func (f *funcDelegate) OnReject(resp *message.Response) {
	if f.onReject != nil {
		f.onReject(resp)
	}
}

func (f *funcDelegate) OnFailure(err error) {
	if f.onFailure != nil {
		f.onFailure(err)
	}
}
