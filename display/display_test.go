package display_test

import (
	"context"
	"testing"

	"github.com/pkg/errors"
	"go.viam.com/rdk/logging"
	"go.viam.com/test"

	"github.com/viam-modules/viam-odomslam/display"
	"github.com/viam-modules/viam-odomslam/display/inject"
)

func TestLogger(t *testing.T) {
	d := display.NewLogger(logging.NewTestLogger(t))
	cont, err := d.Display(context.Background(), 1, 2, 0.5, nil)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, cont, test.ShouldBeTrue)
}

// injectDisplay aliases inject.Display so the embedded field is not named
// Display, which would shadow the promoted Display method.
type injectDisplay = inject.Display

type closingDisplay struct {
	injectDisplay
	closed bool
}

func (c *closingDisplay) Close() error {
	c.closed = true
	return errors.New("close failed")
}

func TestMulti(t *testing.T) {
	ctx := context.Background()

	t.Run("every display sees every frame", func(t *testing.T) {
		var calls []float64
		record := func(ctx context.Context, xMeters, yMeters, thetaRadians float64, mapBuffer []byte) (bool, error) {
			calls = append(calls, xMeters)
			return true, nil
		}
		m := display.Multi{&inject.Display{DisplayFunc: record}, &inject.Display{DisplayFunc: record}}

		cont, err := m.Display(ctx, 3, 4, 0, nil)
		test.That(t, err, test.ShouldBeNil)
		test.That(t, cont, test.ShouldBeTrue)
		test.That(t, calls, test.ShouldResemble, []float64{3, 3})
	})

	t.Run("any display can stop the loop and errors are combined", func(t *testing.T) {
		stopper := &inject.Display{DisplayFunc: func(ctx context.Context, x, y, theta float64, m []byte) (bool, error) {
			return false, nil
		}}
		failing := &inject.Display{DisplayFunc: func(ctx context.Context, x, y, theta float64, m []byte) (bool, error) {
			return true, errors.New("render failed")
		}}
		calledAfterStop := false
		last := &inject.Display{DisplayFunc: func(ctx context.Context, x, y, theta float64, m []byte) (bool, error) {
			calledAfterStop = true
			return true, nil
		}}

		cont, err := display.Multi{stopper, failing, last}.Display(ctx, 0, 0, 0, nil)
		test.That(t, cont, test.ShouldBeFalse)
		test.That(t, err, test.ShouldBeError, errors.New("render failed"))
		test.That(t, calledAfterStop, test.ShouldBeTrue)
	})

	t.Run("close closes displays holding resources", func(t *testing.T) {
		closer := &closingDisplay{}
		m := display.Multi{display.NewLogger(logging.NewTestLogger(t)), closer}
		err := m.Close()
		test.That(t, err, test.ShouldBeError, errors.New("close failed"))
		test.That(t, closer.closed, test.ShouldBeTrue)
	})
}
