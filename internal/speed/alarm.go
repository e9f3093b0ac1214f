package speed

import (
	"log"
	"time"

	"github.com/saviobatista/crash-alert/internal/types"
)

const (
	ActionStart = "start"
	ActionStop  = "stop"
)

// Publisher sends alarm commands to the phone (implemented by *nats.Client)
type Publisher interface {
	PublishAlarm(cmd *types.AlarmCommand) error
}

// CommandAlarm drives the phone's looping alert sound with alarm commands.
// Publish failures are logged; the alert state is not rolled back.
type CommandAlarm struct {
	pub Publisher
	now func() time.Time
}

// NewCommandAlarm creates an alarm that publishes through pub
func NewCommandAlarm(pub Publisher) *CommandAlarm {
	return &CommandAlarm{pub: pub, now: time.Now}
}

func (a *CommandAlarm) Start() {
	a.send(&types.AlarmCommand{Action: ActionStart, Loop: true, Reason: "speeding", SentAt: a.now()})
}

func (a *CommandAlarm) Stop() {
	a.send(&types.AlarmCommand{Action: ActionStop, SentAt: a.now()})
}

func (a *CommandAlarm) send(cmd *types.AlarmCommand) {
	if err := a.pub.PublishAlarm(cmd); err != nil {
		log.Printf("Warning: failed to send alarm %s: %v", cmd.Action, err)
	}
}

// Silent is an alarm that does nothing
type Silent struct{}

func (Silent) Start() {}
func (Silent) Stop()  {}
