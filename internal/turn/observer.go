package turn

import "github.com/youruser/streamchat/internal/chat"

// Observer receives turn lifecycle signals. Methods run on the goroutine
// that called Submit.
type Observer interface {
	OnTurnStarted(user, assistant chat.Message)
	OnTurnFinished(res Result)
	OnError(err error)
	// OnQuotaExceeded asks the user to sign in.
	OnQuotaExceeded()
}

// NopObserver ignores every signal. Embed it to implement a subset.
type NopObserver struct{}

func (NopObserver) OnTurnStarted(user, assistant chat.Message) {}
func (NopObserver) OnTurnFinished(res Result)                  {}
func (NopObserver) OnError(err error)                          {}
func (NopObserver) OnQuotaExceeded()                           {}
