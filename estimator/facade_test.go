package estimator_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"go.viam.com/test"

	"github.com/viam-modules/viam-odomslam/estimator"
	"github.com/viam-modules/viam-odomslam/estimator/inject"
	"github.com/viam-modules/viam-odomslam/kinematics"
)

const testTimeout = 5 * time.Second

func startFacade(t *testing.T, est estimator.Estimator) (*estimator.Facade, func()) {
	t.Helper()
	cancelCtx, cancelFunc := context.WithCancel(context.Background())
	activeBackgroundWorkers := sync.WaitGroup{}
	f := estimator.NewFacade(est)
	f.Start(cancelCtx, &activeBackgroundWorkers)
	return f, func() {
		cancelFunc()
		activeBackgroundWorkers.Wait()
	}
}

func TestFacadeUpdate(t *testing.T) {
	t.Run("successful update passes its inputs through", func(t *testing.T) {
		var gotDistances, gotAngles []float64
		var gotDelta kinematics.MotionDelta
		est := &inject.Estimator{}
		est.UpdateFunc = func(distances []float64, delta kinematics.MotionDelta, angles []float64) error {
			gotDistances, gotDelta, gotAngles = distances, delta, angles
			return nil
		}
		f, stop := startFacade(t, est)
		defer stop()

		delta := kinematics.MotionDelta{Forward: -518.677, Rotation: 0, Elapsed: 1}
		err := f.Update(context.Background(), testTimeout, []float64{1, 2}, delta, []float64{0, 1})
		test.That(t, err, test.ShouldBeNil)
		test.That(t, gotDistances, test.ShouldResemble, []float64{1, 2})
		test.That(t, gotAngles, test.ShouldResemble, []float64{0, 1})
		test.That(t, gotDelta, test.ShouldResemble, delta)
	})

	t.Run("failed update returns the estimator error", func(t *testing.T) {
		est := &inject.Estimator{}
		est.UpdateFunc = func(distances []float64, delta kinematics.MotionDelta, angles []float64) error {
			return errors.New("bad scan")
		}
		f, stop := startFacade(t, est)
		defer stop()

		err := f.Update(context.Background(), testTimeout, nil, kinematics.MotionDelta{Elapsed: 1}, nil)
		test.That(t, err, test.ShouldBeError, errors.New("bad scan"))
	})

	t.Run("update that takes longer than the timeout returns a timeout error", func(t *testing.T) {
		est := &inject.Estimator{}
		est.UpdateFunc = func(distances []float64, delta kinematics.MotionDelta, angles []float64) error {
			time.Sleep(100 * time.Millisecond)
			return nil
		}
		f, stop := startFacade(t, est)
		defer stop()

		err := f.Update(context.Background(), 10*time.Millisecond, nil, kinematics.MotionDelta{Elapsed: 1}, nil)
		test.That(t, err, test.ShouldBeError, errors.New("timeout reading from estimator; context deadline exceeded"))
		test.That(t, errors.Is(err, estimator.ErrReadTimeout), test.ShouldBeTrue)
		test.That(t, errors.Is(err, estimator.ErrWriteTimeout), test.ShouldBeFalse)
	})

	t.Run("update after the facade is stopped returns a timeout error", func(t *testing.T) {
		est := &inject.Estimator{}
		f, stop := startFacade(t, est)
		stop()

		cancelCtx, cancelFunc := context.WithCancel(context.Background())
		cancelFunc()
		err := f.Update(cancelCtx, testTimeout, nil, kinematics.MotionDelta{Elapsed: 1}, nil)
		test.That(t, err, test.ShouldBeError, errors.New("timeout writing to estimator; context canceled"))
		test.That(t, errors.Is(err, estimator.ErrWriteTimeout), test.ShouldBeTrue)
		test.That(t, errors.Is(err, estimator.ErrReadTimeout), test.ShouldBeFalse)
	})
}

func TestFacadePose(t *testing.T) {
	est := &inject.Estimator{}
	est.PoseFunc = func() estimator.Pose {
		return estimator.Pose{X: 1, Y: 2, Theta: 3}
	}
	f, stop := startFacade(t, est)
	defer stop()

	pose, err := f.Pose(context.Background(), testTimeout)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, pose, test.ShouldResemble, estimator.Pose{X: 1, Y: 2, Theta: 3})
}

func TestFacadeMap(t *testing.T) {
	t.Run("map is copied into the caller's buffer", func(t *testing.T) {
		est := &inject.Estimator{}
		est.MapFunc = func(buf []byte) error {
			for i := range buf {
				buf[i] = byte(i)
			}
			return nil
		}
		f, stop := startFacade(t, est)
		defer stop()

		buf := make([]byte, 4)
		test.That(t, f.Map(context.Background(), testTimeout, buf), test.ShouldBeNil)
		test.That(t, buf, test.ShouldResemble, []byte{0, 1, 2, 3})
	})

	t.Run("failed map leaves the caller's buffer untouched", func(t *testing.T) {
		est := &inject.Estimator{}
		est.MapFunc = func(buf []byte) error {
			buf[0] = 9
			return estimator.ErrMapBufferSize
		}
		f, stop := startFacade(t, est)
		defer stop()

		buf := make([]byte, 4)
		err := f.Map(context.Background(), testTimeout, buf)
		test.That(t, errors.Is(err, estimator.ErrMapBufferSize), test.ShouldBeTrue)
		test.That(t, buf, test.ShouldResemble, []byte{0, 0, 0, 0})
	})

	t.Run("facade works with the dead reckoning estimator", func(t *testing.T) {
		dr, err := estimator.NewDeadReckoning(10, 2)
		test.That(t, err, test.ShouldBeNil)
		f, stop := startFacade(t, dr)
		defer stop()

		err = f.Update(context.Background(), testTimeout, nil, kinematics.MotionDelta{Forward: 50, Elapsed: 1}, nil)
		test.That(t, err, test.ShouldBeNil)
		pose, err := f.Pose(context.Background(), testTimeout)
		test.That(t, err, test.ShouldBeNil)
		test.That(t, pose, test.ShouldResemble, estimator.Pose{X: 1050, Y: 1000})

		buf := make([]byte, estimator.MapBufferSize(10))
		test.That(t, f.Map(context.Background(), testTimeout, buf), test.ShouldBeNil)
		test.That(t, buf[0], test.ShouldEqual, byte(127))
	})
}
