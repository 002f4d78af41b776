package orchestrator

import (
	"fmt"
	"time"
)

// FormatElapsed renders d as H:MM:SS.
func FormatElapsed(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	s := int64(d / time.Second)
	return fmt.Sprintf("%d:%02d:%02d", s/3600, (s/60)%60, s%60)
}

// ticker emits elapsed-time events until stopped.
type ticker struct {
	stop chan struct{}
	done chan struct{}
}

func startTicker(start time.Time, every time.Duration, emit func(string)) *ticker {
	t := &ticker{stop: make(chan struct{}), done: make(chan struct{})}
	go func() {
		defer close(t.done)
		emit(FormatElapsed(time.Since(start)))
		tk := time.NewTicker(every)
		defer tk.Stop()
		for {
			select {
			case <-tk.C:
				emit(FormatElapsed(time.Since(start)))
			case <-t.stop:
				return
			}
		}
	}()
	return t
}

func (t *ticker) Stop() {
	if t == nil {
		return
	}
	close(t.stop)
	<-t.done
}
