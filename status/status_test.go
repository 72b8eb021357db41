package status_test

import (
	"bytes"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"

	"zableader.io/server/status"
)

func TestStatusConsumerEmitIndentsByForkDepth(t *testing.T) {
	var buf bytes.Buffer
	root := status.NewStatusConsumer(&buf)
	root.Emit("top")

	child := root.Fork()
	child.Emit("nested")
	child.Join()

	lines := strings.Split(strings.TrimRight(buf.String(), "\n"), "\n")
	assert.Equal(t, "top", lines[0])
	assert.Equal(t, "  nested", lines[1])
}

func TestStatusConsumerJoinWaitsForConcurrentForks(t *testing.T) {
	var buf bytes.Buffer
	root := status.NewStatusConsumer(&buf)

	child := root.Fork()
	release := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		<-release
		child.Emit("late")
		child.Join()
	}()

	done := make(chan struct{})
	go func() {
		root.Join()
		close(done)
	}()

	select {
	case <-done:
		t.Fatal("root.Join returned before the outstanding fork joined")
	default:
	}

	close(release)
	wg.Wait()
	<-done

	assert.Contains(t, buf.String(), "late")
}
