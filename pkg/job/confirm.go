package job

import (
	"context"
	"log/slog"
	"time"

	"github.com/ruuf/ruuf/pkg/device"
	"github.com/ruuf/ruuf/pkg/errors"
	"github.com/ruuf/ruuf/pkg/image"
	"github.com/ruuf/ruuf/pkg/partition"
)

// Summary is what the user is asked to approve.
type Summary struct {
	Device    device.Device
	ImagePath string
	Family    image.Family
	Image     *image.SourceImage
	Plan      *partition.Plan
}

// Gate asks the user. Only an explicit true affirms.
type Gate interface {
	Confirm(ctx context.Context, s Summary) (bool, error)
}

type GateFunc func(ctx context.Context, s Summary) (bool, error)

func (f GateFunc) Confirm(ctx context.Context, s Summary) (bool, error) { return f(ctx, s) }

// Token proves the gate affirmed a summary. The zero Token authorizes
// nothing and tokens cannot be built outside this package.
type Token struct {
	deviceID   string
	devicePath string
	issued     time.Time
}

// RequestConfirmation runs gate and mints a token for s.Device on an
// explicit yes.
func RequestConfirmation(ctx context.Context, gate Gate, s Summary) (Token, error) {
	if gate == nil {
		return Token{}, errors.Newf(errors.KindNotConfirmed, "confirm", "no confirmation gate")
	}
	ok, err := gate.Confirm(ctx, s)
	if err != nil {
		return Token{}, errors.Classify(errors.KindNotConfirmed, "confirm", err)
	}
	if !ok {
		slog.Info("confirmation_declined", "device", s.Device.DisplayPath, "image", s.ImagePath)
		return Token{}, errors.Newf(errors.KindNotConfirmed, "confirm", "erasing %s was not confirmed", s.Device.DisplayPath)
	}

	slog.Info("confirmation_granted", "device", s.Device.DisplayPath, "image", s.ImagePath)
	return Token{deviceID: s.Device.ID, devicePath: s.Device.DisplayPath, issued: time.Now()}, nil
}

func (t Token) Valid() bool { return t.deviceID != "" && !t.issued.IsZero() }

func (t Token) authorizes(d device.Device) error {
	if !t.Valid() {
		return errors.Newf(errors.KindNotConfirmed, "confirm", "no confirmation token")
	}
	if t.deviceID != d.ID || t.devicePath != d.DisplayPath {
		return errors.Newf(errors.KindNotConfirmed, "confirm", "token was issued for %s, not %s", t.devicePath, d.DisplayPath)
	}
	return nil
}
