// Package storetest holds the behaviour every api.BarrierStore must share,
// as a testify suite that backend tests embed.
package storetest

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/stretchr/testify/suite"

	"github.com/petrijr/canvas/pkg/api"
)

// BarrierStoreSuite holds behaviour every BarrierStore must share. Backend
// suites embed it and set Ctx and Store in SetupTest.
type BarrierStoreSuite struct {
	suite.Suite
	Ctx   context.Context
	Store api.BarrierStore
}

// SampleBarrier returns an empty barrier with a "sum" callback.
func SampleBarrier(id string, size int) api.ChordBarrier {
	return api.ChordBarrier{
		ChordID:    id,
		HeaderSize: size,
		Results:    []any{},
		Callback: api.TaskDescriptor{
			Version:  api.DescriptorVersion,
			TaskName: "sum",
			Kwargs:   api.Kwargs{"scale": 2},
			Options:  api.Options{Queue: "callbacks", Priority: 5},
		},
	}
}

func (s *BarrierStoreSuite) TestCreateBarrier_FirstCallWins() {
	created, err := s.Store.CreateBarrier(s.Ctx, SampleBarrier("chord-create", 3))
	s.Require().NoError(err)
	s.True(created)

	created, err = s.Store.CreateBarrier(s.Ctx, SampleBarrier("chord-create", 99))
	s.Require().NoError(err)
	s.False(created, "second create must not overwrite")

	got, err := s.Store.GetBarrier(s.Ctx, "chord-create")
	s.Require().NoError(err)
	s.Equal(3, got.HeaderSize)
	s.Equal(0, got.CompletedCount)
	s.Empty(got.Results)
	s.False(got.Closed())
}

func (s *BarrierStoreSuite) TestCreateBarrier_PreservesCallback() {
	_, err := s.Store.CreateBarrier(s.Ctx, SampleBarrier("chord-callback", 2))
	s.Require().NoError(err)

	got, err := s.Store.GetBarrier(s.Ctx, "chord-callback")
	s.Require().NoError(err)
	s.Equal(api.DescriptorVersion, got.Callback.Version)
	s.Equal("sum", got.Callback.TaskName)
	s.Equal(float64(2), got.Callback.Kwargs["scale"])
	s.Equal("callbacks", got.Callback.Options.Queue)
	s.Equal(5, got.Callback.Options.Priority)
}

func (s *BarrierStoreSuite) TestIncrementAndAppend_CountsInOrder() {
	_, err := s.Store.CreateBarrier(s.Ctx, SampleBarrier("chord-order", 3))
	s.Require().NoError(err)

	for i, v := range []int{10, 20, 30} {
		upd, err := s.Store.IncrementAndAppend(s.Ctx, "chord-order", fmt.Sprintf("job-%d", i), v)
		s.Require().NoError(err)
		s.Equal(api.BarrierUpdated, upd.Outcome)
		s.Require().NotNil(upd.Barrier)
		s.Equal(i+1, upd.Barrier.CompletedCount)
		s.Equal(3, upd.Barrier.HeaderSize)
		s.Len(upd.Barrier.Results, i+1)
		s.Equal(i == 2, upd.Barrier.Closed())
	}

	got, err := s.Store.GetBarrier(s.Ctx, "chord-order")
	s.Require().NoError(err)
	s.Equal([]any{float64(10), float64(20), float64(30)}, got.Results)
	s.Equal("sum", got.Callback.TaskName)
}

func (s *BarrierStoreSuite) TestIncrementAndAppend_StructuredResults() {
	_, err := s.Store.CreateBarrier(s.Ctx, SampleBarrier("chord-shapes", 3))
	s.Require().NoError(err)

	inputs := []any{
		map[string]any{"name": "a", "n": 1},
		[]int{1, 2},
		nil,
	}
	var last api.BarrierUpdate
	for i, v := range inputs {
		last, err = s.Store.IncrementAndAppend(s.Ctx, "chord-shapes", fmt.Sprintf("job-%d", i), v)
		s.Require().NoError(err)
	}

	s.Require().Equal(api.BarrierUpdated, last.Outcome)
	s.Equal([]any{
		map[string]any{"name": "a", "n": float64(1)},
		[]any{float64(1), float64(2)},
		nil,
	}, last.Barrier.Results)
}

func (s *BarrierStoreSuite) TestIncrementAndAppend_DuplicateJobIsNoop() {
	_, err := s.Store.CreateBarrier(s.Ctx, SampleBarrier("chord-dup", 2))
	s.Require().NoError(err)

	upd, err := s.Store.IncrementAndAppend(s.Ctx, "chord-dup", "job-a", 1)
	s.Require().NoError(err)
	s.Equal(api.BarrierUpdated, upd.Outcome)

	upd, err = s.Store.IncrementAndAppend(s.Ctx, "chord-dup", "job-a", 1)
	s.Require().NoError(err)
	s.Equal(api.BarrierDuplicate, upd.Outcome)
	s.Nil(upd.Barrier)

	got, err := s.Store.GetBarrier(s.Ctx, "chord-dup")
	s.Require().NoError(err)
	s.Equal(1, got.CompletedCount)
	s.Len(got.Results, 1)
}

func (s *BarrierStoreSuite) TestIncrementAndAppend_MissingBarrierIsFinalized() {
	upd, err := s.Store.IncrementAndAppend(s.Ctx, "chord-missing", "job-a", 1)
	s.Require().NoError(err)
	s.Equal(api.BarrierAlreadyFinalized, upd.Outcome)
	s.Nil(upd.Barrier)

	_, err = s.Store.GetBarrier(s.Ctx, "chord-missing")
	s.True(errors.Is(err, api.ErrBarrierNotFound))
}

func (s *BarrierStoreSuite) TestDeleteBarrier_Idempotent() {
	_, err := s.Store.CreateBarrier(s.Ctx, SampleBarrier("chord-delete", 1))
	s.Require().NoError(err)
	_, err = s.Store.IncrementAndAppend(s.Ctx, "chord-delete", "job-a", "x")
	s.Require().NoError(err)

	s.Require().NoError(s.Store.DeleteBarrier(s.Ctx, "chord-delete"))
	s.Require().NoError(s.Store.DeleteBarrier(s.Ctx, "chord-delete"))

	_, err = s.Store.GetBarrier(s.Ctx, "chord-delete")
	s.ErrorIs(err, api.ErrBarrierNotFound)

	upd, err := s.Store.IncrementAndAppend(s.Ctx, "chord-delete", "job-b", "y")
	s.Require().NoError(err)
	s.Equal(api.BarrierAlreadyFinalized, upd.Outcome)
}

func (s *BarrierStoreSuite) TestIncrementAndAppend_ConcurrentClosesOnce() {
	const size = 16
	_, err := s.Store.CreateBarrier(s.Ctx, SampleBarrier("chord-race", size))
	s.Require().NoError(err)

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		closers int
		errs    []error
	)
	for i := 0; i < size; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			upd, err := s.Store.IncrementAndAppend(s.Ctx, "chord-race", fmt.Sprintf("job-%d", i), i)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				errs = append(errs, err)
				return
			}
			if upd.Outcome == api.BarrierUpdated && upd.Barrier.Closed() {
				closers++
			}
		}(i)
	}
	wg.Wait()

	s.Empty(errs)
	s.Equal(1, closers, "exactly one completer must observe the closing increment")

	got, err := s.Store.GetBarrier(s.Ctx, "chord-race")
	s.Require().NoError(err)
	s.Equal(size, got.CompletedCount)
	s.Len(got.Results, size)
}

func (s *BarrierStoreSuite) TestDeleteBarrier_LateCompletionCannotReopen() {
	// A single-member chord: a redelivered completion after finalization
	// must not recreate and close the barrier a second time.
	_, err := s.Store.CreateBarrier(s.Ctx, SampleBarrier("chord-late", 1))
	s.Require().NoError(err)
	upd, err := s.Store.IncrementAndAppend(s.Ctx, "chord-late", "job-a", 1)
	s.Require().NoError(err)
	s.Require().True(upd.Barrier.Closed())
	s.Require().NoError(s.Store.DeleteBarrier(s.Ctx, "chord-late"))

	created, err := s.Store.CreateBarrier(s.Ctx, SampleBarrier("chord-late", 1))
	s.Require().NoError(err)
	s.False(created, "a finalized chord must not be recreated")

	upd, err = s.Store.IncrementAndAppend(s.Ctx, "chord-late", "job-a", 1)
	s.Require().NoError(err)
	s.Equal(api.BarrierAlreadyFinalized, upd.Outcome)

	upd, err = s.Store.IncrementAndAppend(s.Ctx, "chord-late", "job-b", 2)
	s.Require().NoError(err)
	s.Equal(api.BarrierAlreadyFinalized, upd.Outcome)

	_, err = s.Store.GetBarrier(s.Ctx, "chord-late")
	s.ErrorIs(err, api.ErrBarrierNotFound)
}
