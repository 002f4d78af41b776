// Command squarer is an example taskrun worker. Given {"n": k} it returns
// {"n": k*k}, computed by repeated addition so a slow step delay makes the
// abort path observable.
package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"taskrun/pkg/endpoint"
)

// stepDelayEnv slows each addition, for demos: SQUARER_STEP_DELAY=200ms.
const stepDelayEnv = "SQUARER_STEP_DELAY"

type payload struct {
	N int `json:"n" cbor:"n"`
}

type squarer struct {
	delay time.Duration
}

func (s *squarer) Initialize() bool {
	if v := os.Getenv(stepDelayEnv); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			fmt.Fprintf(os.Stderr, "%s: %v\n", stepDelayEnv, err)
			return false
		}
		s.delay = d
	}
	return true
}

func (s *squarer) DoWork(ctx context.Context, sess *endpoint.Session) int {
	var task payload
	if err := sess.Task(&task); err != nil {
		fmt.Fprintln(os.Stderr, "bad task:", err)
		return 1
	}
	fmt.Println("computing...")

	n, err := square(ctx, task.N, s.delay, func(i int) {
		fmt.Printf("step %d/%d\n", i, abs(task.N))
	})
	if err != nil {
		fmt.Fprintln(os.Stderr, "stopped:", err)
		return 2
	}
	sess.SetResult(payload{N: n})
	return 0
}

// square returns n*n by adding |n| to itself |n| times, checking ctx and
// sleeping delay between steps.
func square(ctx context.Context, n int, delay time.Duration, step func(int)) (int, error) {
	a := abs(n)
	total := 0
	for i := 1; i <= a; i++ {
		if err := ctx.Err(); err != nil {
			return 0, err
		}
		total += a
		if step != nil && delay > 0 {
			step(i)
		}
		if delay > 0 {
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return 0, ctx.Err()
			}
		}
	}
	return total, nil
}

func abs(n int) int {
	if n < 0 {
		return -n
	}
	return n
}

func main() {
	os.Exit(endpoint.Main(&squarer{}, os.Args[1:]))
}
