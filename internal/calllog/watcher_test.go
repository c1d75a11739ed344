package calllog

import (
	"context"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWatcher_DebouncedNotify(t *testing.T) {
	dir := t.TempDir()

	var calls atomic.Int32
	w := NewWatcher(dir, 50*time.Millisecond, func() { calls.Add(1) })

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go w.Run(ctx)

	// 给watcher一点启动时间
	time.Sleep(100 * time.Millisecond)

	// 突发写入多个文件，防抖后只应收到一次通知
	for i := 0; i < 5; i++ {
		require.NoError(t, os.WriteFile(filepath.Join(dir, "call_a.json"), []byte(`{}`), 0o644))
		time.Sleep(5 * time.Millisecond)
	}

	assert.Eventually(t, func() bool {
		return calls.Load() >= 1
	}, 2*time.Second, 20*time.Millisecond, "应收到变化通知")

	time.Sleep(150 * time.Millisecond)
	assert.LessOrEqual(t, calls.Load(), int32(2), "防抖后通知次数应远小于写入次数")
}

func TestWatcher_MissingDir(t *testing.T) {
	w := NewWatcher(filepath.Join(t.TempDir(), "missing"), 50*time.Millisecond, func() {})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	err := w.Run(ctx)
	assert.Error(t, err, "目录不存在时返回错误，由调用方决定是否降级")
}
