package estimator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/multierr"

	"github.com/viam-modules/viam-odomslam/kinematics"
)

// RequestType defines the estimator call that is being made.
type RequestType int64

const (
	// update represents Estimator.Update.
	update RequestType = iota
	// pose represents Estimator.Pose.
	pose
	// occupancyMap represents Estimator.Map.
	occupancyMap
)

// RequestParamType defines the type being provided as input to the work.
type RequestParamType int64

const (
	distancesParam RequestParamType = iota
	deltaParam
	anglesParam
	mapSizeParam
)

var emptyRequestParams = map[RequestParamType]interface{}{}

var (
	// ErrWriteTimeout denotes that the estimator goroutine did not accept a request in time, so the
	// call was never made.
	ErrWriteTimeout = errors.New("timeout writing to estimator")
	// ErrReadTimeout denotes that the estimator goroutine accepted a request but did not answer in
	// time. The call still runs to completion, so an Update may have been applied.
	ErrReadTimeout = errors.New("timeout reading from estimator")
)

// Response defines the result of one piece of work that can be put on the result channel.
type Response struct {
	result interface{}
	err    error
}

// Request defines all of the necessary pieces to call into the estimator.
type Request struct {
	responseChan  chan Response
	requestType   RequestType
	requestParams map[RequestParamType]interface{}
}

// Interface defines the functionality of a Facade instance.
type Interface interface {
	Update(
		ctx context.Context,
		timeout time.Duration,
		distances []float64,
		delta kinematics.MotionDelta,
		angles []float64,
	) error
	Pose(
		ctx context.Context,
		timeout time.Duration,
	) (Pose, error)
	Map(
		ctx context.Context,
		timeout time.Duration,
		buf []byte,
	) error
}

/*
Facade exists to ensure that only one goroutine is calling into the estimator at a time and that
no caller waits on it for longer than its timeout.
*/
type Facade struct {
	estimator   Estimator
	requestChan chan Request
}

// NewFacade instantiates the Facade around est. Start must be called before any request.
func NewFacade(est Estimator) *Facade {
	return &Facade{
		estimator:   est,
		requestChan: make(chan Request),
	}
}

// Start starts the background goroutine that is responsible for ensuring only one call
// into the estimator is being made at a time. It exits when ctx is done.
func (f *Facade) Start(ctx context.Context, activeBackgroundWorkers *sync.WaitGroup) {
	activeBackgroundWorkers.Add(1)
	go func() {
		defer activeBackgroundWorkers.Done()

		for {
			select {
			case <-ctx.Done():
				return
			case workToDo := <-f.requestChan:
				result, err := workToDo.doWork(f)
				workToDo.responseChan <- Response{result: result, err: err}
			}
		}
	}()
}

// Update calls Estimator.Update. An error wrapping ErrReadTimeout means the update was handed to
// the estimator and will still be applied.
func (f *Facade) Update(
	ctx context.Context,
	timeout time.Duration,
	distances []float64,
	delta kinematics.MotionDelta,
	angles []float64,
) error {
	requestParams := map[RequestParamType]interface{}{
		distancesParam: distances,
		deltaParam:     delta,
		anglesParam:    angles,
	}
	_, err := f.request(ctx, update, requestParams, timeout)
	return err
}

// Pose calls Estimator.Pose.
func (f *Facade) Pose(ctx context.Context, timeout time.Duration) (Pose, error) {
	untyped, err := f.request(ctx, pose, emptyRequestParams, timeout)
	if err != nil {
		return Pose{}, err
	}

	p, ok := untyped.(Pose)
	if !ok {
		return Pose{}, errors.New("unable to cast response from estimator to a pose")
	}
	return p, nil
}

// Map calls Estimator.Map. The estimator fills a buffer owned by the worker, which is copied into
// buf only once the call has returned, so a timed out call never writes into buf.
func (f *Facade) Map(ctx context.Context, timeout time.Duration, buf []byte) error {
	requestParams := map[RequestParamType]interface{}{
		mapSizeParam: len(buf),
	}
	untyped, err := f.request(ctx, occupancyMap, requestParams, timeout)
	if err != nil {
		return err
	}

	grid, ok := untyped.([]byte)
	if !ok {
		return errors.New("unable to cast response from estimator to a byte slice")
	}
	copy(buf, grid)
	return nil
}

// doWork provides the logic to call the correct estimator functions with the correct input.
func (r *Request) doWork(f *Facade) (interface{}, error) {
	switch r.requestType {
	case update:
		distances, ok := r.requestParams[distancesParam].([]float64)
		if !ok {
			return nil, errors.New("could not cast inputted distances to []float64")
		}
		delta, ok := r.requestParams[deltaParam].(kinematics.MotionDelta)
		if !ok {
			return nil, errors.New("could not cast inputted delta to kinematics.MotionDelta")
		}
		angles, ok := r.requestParams[anglesParam].([]float64)
		if !ok {
			return nil, errors.New("could not cast inputted angles to []float64")
		}
		return nil, f.estimator.Update(distances, delta, angles)
	case pose:
		return f.estimator.Pose(), nil
	case occupancyMap:
		size, ok := r.requestParams[mapSizeParam].(int)
		if !ok {
			return nil, errors.New("could not cast inputted map size to int")
		}
		grid := make([]byte, size)
		if err := f.estimator.Map(grid); err != nil {
			return nil, err
		}
		return grid, nil
	}
	return nil, fmt.Errorf("no worktype found for: %v", r.requestType)
}

// request hands work to the estimator goroutine and waits for it, bounded by timeout.
func (f *Facade) request(
	ctxParent context.Context,
	requestType RequestType,
	inputs map[RequestParamType]interface{},
	timeout time.Duration,
) (interface{}, error) {
	ctx, cancel := context.WithTimeout(ctxParent, timeout)
	defer cancel()

	req := Request{
		responseChan:  make(chan Response, 1),
		requestType:   requestType,
		requestParams: inputs,
	}

	// wait until work can call into the estimator (and timeout if needed)
	select {
	case f.requestChan <- req:
		select {
		case response := <-req.responseChan:
			return response.result, response.err
		case <-ctx.Done():
			return nil, multierr.Combine(ErrReadTimeout, ctx.Err())
		}
	case <-ctx.Done():
		return nil, multierr.Combine(ErrWriteTimeout, ctx.Err())
	}
}
