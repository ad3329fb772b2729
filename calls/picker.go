package calls

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	mrand "math/rand"
)

var (
	// ErrUnavailable is returned for every failure of an external call server. The cause is joined
	// for logging and must not be shown to clients.
	ErrUnavailable = errors.New("call server unavailable")
	ErrNoServer    = errors.New("no active call server")
	ErrNotInvited  = errors.New("user is not invited to the call")
	ErrUnknownCall = errors.New("unknown call")
)

func unavailable(err error) error {
	return errors.Join(ErrUnavailable, err)
}

// Picker chooses one of n active servers.
type Picker interface {
	Pick(n int) int
}

// RandomPicker spreads calls uniformly. It does not look at server load.
type RandomPicker struct{}

func (RandomPicker) Pick(n int) int {
	return mrand.Intn(n)
}

func randomSecret() (string, error) {
	b := make([]byte, 8)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}
