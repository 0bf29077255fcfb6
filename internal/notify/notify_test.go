package notify

import (
	"errors"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
)

func TestNewTelegramNotifierReturnsNilWithoutToken(t *testing.T) {
	n := NewTelegramNotifier("", 123, nil, zerolog.Nop())
	assert.Nil(t, n)
}

func TestNilTelegramNotifierMethodsAreSafeToCall(t *testing.T) {
	var n *TelegramNotifier
	assert.NotPanics(t, func() {
		n.Notify("hello")
		n.NotifyRetryExhausted("placeOrder", errors.New("boom"))
		n.NotifyEscalation("BTCUSDT", "unguarded")
	})
}

func TestNoopNotifierDiscardsEverything(t *testing.T) {
	n := NoopNotifier{}
	assert.NotPanics(t, func() {
		n.Notify("hello")
		n.NotifyRetryExhausted("op", errors.New("err"))
		n.NotifyEscalation("BTCUSDT", "reason")
	})
}

func TestNotifierInterfaceSatisfiedByBothImplementations(t *testing.T) {
	var _ Notifier = NoopNotifier{}
	var _ Notifier = (*TelegramNotifier)(nil)
}
