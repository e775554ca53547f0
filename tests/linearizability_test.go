package testsim

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/anishathalye/porcupine"
	"github.com/stretchr/testify/require"
)

// registerInput is the porcupine input for a single-key read/write
// register: a write carries a value, a read carries none.
type registerInput struct {
	put   bool
	value string
}

// registerModel checks that every read observes the value of the most
// recent write that precedes it in the linearization, exactly the
// guarantee Client.Submit/Client.Read are supposed to provide.
func registerModel() porcupine.Model {
	return porcupine.Model{
		Init: func() interface{} { return "" },
		Step: func(state, input, output interface{}) (bool, interface{}) {
			in := input.(registerInput)
			if in.put {
				return true, in.value
			}
			return state.(string) == output.(string), state
		},
	}
}

// TestCluster_LinearizableRegisterHistory drives several concurrent clients
// against one key, recording each operation's wall-clock call/return
// interval, and checks the resulting history against a single-register
// model with porcupine. A bug in waiter/read-barrier ordering would show up
// here as a read observing a value older than one a prior, already-returned
// write installed.
func TestCluster_LinearizableRegisterHistory(t *testing.T) {
	c := NewCluster(t, 3, nil)
	c.Start()
	defer c.Abort()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()
	leaderIdx := c.AwaitLeader(ctx)
	sm := c.StateMachines[leaderIdx]

	const numClients = 4
	const opsPerClient = 6

	start := time.Now()
	var mu sync.Mutex
	var ops []porcupine.Operation

	var wg sync.WaitGroup
	for cl := 0; cl < numClients; cl++ {
		wg.Add(1)
		go func(clientId int) {
			defer wg.Done()
			client := c.Client()
			for i := 0; i < opsPerClient; i++ {
				if i%2 == 0 {
					value := fmt.Sprintf("c%d-%d", clientId, i)
					call := time.Since(start).Nanoseconds()
					_, err := client.Submit(ctx, encodePut(t, "reg", value))
					ret := time.Since(start).Nanoseconds()
					if err != nil {
						continue
					}
					mu.Lock()
					ops = append(ops, porcupine.Operation{
						ClientId: clientId,
						Input:    registerInput{put: true, value: value},
						Call:     call,
						Output:   "",
						Return:   ret,
					})
					mu.Unlock()
					continue
				}

				call := time.Since(start).Nanoseconds()
				got, err := client.Read(ctx, sm, encodeQuery(t, "reg"))
				ret := time.Since(start).Nanoseconds()
				if err != nil {
					continue
				}
				mu.Lock()
				ops = append(ops, porcupine.Operation{
					ClientId: clientId,
					Input:    registerInput{put: false},
					Call:     call,
					Output:   string(got),
					Return:   ret,
				})
				mu.Unlock()
			}
		}(cl)
	}
	wg.Wait()

	require.True(t, porcupine.CheckOperations(registerModel(), ops), "observed history is not linearizable")
}
