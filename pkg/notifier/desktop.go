package notifier

import (
	"github.com/gen2brain/beeep"
)

// Desktop raises a notification on the operator's desktop
type Desktop interface {
	Notify(title, message string) error
}

// BeeepDesktop sends desktop notifications through beeep
type BeeepDesktop struct {
	// Beep also plays the default alert sound
	Beep bool
}

// Notify shows title and message
func (d BeeepDesktop) Notify(title, message string) error {
	if err := beeep.Notify(title, message, ""); err != nil {
		return err
	}
	if d.Beep {
		return beeep.Beep(beeep.DefaultFreq, beeep.DefaultDuration)
	}
	return nil
}
