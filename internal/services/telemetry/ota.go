package telemetry

import (
	"crypto/subtle"
	"encoding/json"
	"log"

	"github.com/pkg/errors"

	"github.com/LeonardoBeccarini/powermon/internal/model"
)

// Pauser is the hook the updater uses to hold telemetry.
type Pauser interface {
	Pause(reason string)
	Resume()
}

// OTAGuard turns control messages of the external updater into pauses.
// The updater itself is not part of the agent.
type OTAGuard struct {
	password []byte
	target   Pauser
}

func NewOTAGuard(password string, target Pauser) *OTAGuard {
	return &OTAGuard{password: []byte(password), target: target}
}

var errOTAAuth = errors.New("ota: bad password")

// OTAMessageID is the broker.MessageID of control messages.
func OTAMessageID(payload []byte) string {
	var evt model.OTAEvent
	if err := json.Unmarshal(payload, &evt); err != nil {
		return ""
	}
	return evt.ID
}

// Handle is a broker.Consumer handler.
func (g *OTAGuard) Handle(topic string, payload []byte) error {
	var evt model.OTAEvent
	if err := json.Unmarshal(payload, &evt); err != nil {
		return errors.Wrapf(err, "invalid OTA event on %s", topic)
	}
	if subtle.ConstantTimeCompare([]byte(evt.Password), g.password) != 1 {
		log.Printf("warning: telemetry: rejected OTA %q on %s", evt.Action, topic)
		return errOTAAuth
	}
	switch evt.Action {
	case model.OTABegin:
		g.target.Pause("ota update")
	case model.OTAEnd:
		g.target.Resume()
	default:
		return errors.Errorf("unknown OTA action %q", evt.Action)
	}
	return nil
}
