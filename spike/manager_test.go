package spike

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestManager(t *testing.T) {
	tokens := []string{"1", "2", "3", "4", "1", "2", "3", "4"}
	response := map[string]*big.Int{
		"1": big.NewInt(9031161740652627),
		"2": big.NewInt(336199114644976),
		"3": big.NewInt(336578093626181),
		"4": big.NewInt(10),
	}
	cacheControl := new(int32)
	m := NewManager(func(ctx context.Context, k string) (*big.Int, error) {
		atomic.AddInt32(cacheControl, 1)
		return response[k], nil
	}, time.Second*3)

	wg := sync.WaitGroup{}
	wg.Add(len(tokens) * 11)
	for i := 0; i <= 10; i++ {
		for _, token := range tokens {
			go func(token string) {
				defer wg.Done()
				res, err := m.GetResult(context.Background(), token)

				assert.NoError(t, err)
				assert.Equal(t, res, response[token])
			}(token)
		}
		<-time.After(time.Millisecond * 100)
	}
	wg.Wait()
	assert.Equal(t, int(atomic.LoadInt32(cacheControl)), 4)
	<-time.After(time.Second * 3)

	atomic.StoreInt32(cacheControl, 0)
	wg.Add(len(tokens) * 11)
	for i := 0; i <= 10; i++ {
		for _, token := range tokens {
			go func(token string) {
				defer wg.Done()
				res, err := m.GetResult(context.Background(), token)

				assert.NoError(t, err)
				assert.Equal(t, res, response[token])
			}(token)
		}
		<-time.After(time.Millisecond * 100)
	}
	wg.Wait()
	assert.Equal(t, int(atomic.LoadInt32(cacheControl)), 4)
}

func TestManagerDoesNotCacheErrors(t *testing.T) {
	calls := new(int32)
	failFirst := errors.New("transient")
	m := NewManager(func(ctx context.Context, k string) (int, error) {
		if atomic.AddInt32(calls, 1) == 1 {
			return 0, failFirst
		}
		return 42, nil
	}, time.Minute)

	_, err := m.GetResult(context.Background(), "k")
	assert.ErrorIs(t, err, failFirst)

	res, err := m.GetResult(context.Background(), "k")
	assert.NoError(t, err)
	assert.Equal(t, 42, res)
	assert.Equal(t, int32(2), atomic.LoadInt32(calls))
}
