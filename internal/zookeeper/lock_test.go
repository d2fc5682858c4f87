package zookeeper

import (
	"context"
	"fmt"
	"os"
	"path"
	"strings"
	"sync"
	"testing"
	"time"

	"fulfillment/internal/pkg/lock"

	"github.com/go-zookeeper/zk"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// memConn 是内存中的 zk 节点树，删除节点时触发 ExistsW 注册的 watch
type memConn struct {
	mu      sync.Mutex
	nodes   map[string]bool
	seq     int
	watches map[string][]chan zk.Event
}

func newMemConn() *memConn {
	return &memConn{nodes: map[string]bool{"/": true}, watches: make(map[string][]chan zk.Event)}
}

func (c *memConn) Exists(p string) (bool, *zk.Stat, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.nodes[p], &zk.Stat{}, nil
}

func (c *memConn) ExistsW(p string) (bool, *zk.Stat, <-chan zk.Event, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	ch := make(chan zk.Event, 1)
	if c.nodes[p] {
		c.watches[p] = append(c.watches[p], ch)
	}
	return c.nodes[p], &zk.Stat{}, ch, nil
}

func (c *memConn) Create(p string, _ []byte, _ int32, _ []zk.ACL) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.nodes[p] {
		return "", zk.ErrNodeExists
	}
	c.nodes[p] = true
	return p, nil
}

func (c *memConn) CreateProtectedEphemeralSequential(p string, _ []byte, _ []zk.ACL) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.seq++
	dir, base := path.Split(p)
	node := dir + "_c_" + strings.ReplaceAll(uuid.NewString(), "-", "") + "-" + base + fmt.Sprintf("%010d", c.seq)
	c.nodes[node] = true
	return node, nil
}

func (c *memConn) Children(p string) ([]string, *zk.Stat, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []string
	for n := range c.nodes {
		if dir, name := path.Split(n); strings.TrimSuffix(dir, "/") == p && name != "" {
			out = append(out, name)
		}
	}
	return out, &zk.Stat{}, nil
}

func (c *memConn) Delete(p string, _ int32) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.nodes[p] {
		return zk.ErrNoNode
	}
	delete(c.nodes, p)
	for _, ch := range c.watches[p] {
		ch <- zk.Event{Type: zk.EventNodeDeleted, Path: p}
	}
	delete(c.watches, p)
	return nil
}

func (c *memConn) childCount(resource string) int {
	children, _, _ := c.Children(lockRoot + "/" + strings.ReplaceAll(lock.Key(resource), "/", "_"))
	return len(children)
}

func TestLocker_WaitersAcquireInOrder(t *testing.T) {
	conn := newMemConn()
	locker := NewLocker(conn, 5*time.Second)
	ctx := context.Background()

	first, err := locker.Acquire(ctx, "order:o1")
	require.NoError(t, err)

	var mu sync.Mutex
	var order []string
	var wg sync.WaitGroup
	acquire := func(name string) {
		defer wg.Done()
		l, err := locker.Acquire(ctx, "order:o1")
		if !assert.NoError(t, err) {
			return
		}
		mu.Lock()
		order = append(order, name)
		mu.Unlock()
		assert.NoError(t, l.Release(ctx))
	}

	wg.Add(1)
	go acquire("second")
	require.Eventually(t, func() bool { return conn.childCount("order:o1") == 2 }, time.Second, 5*time.Millisecond)
	wg.Add(1)
	go acquire("third")
	require.Eventually(t, func() bool { return conn.childCount("order:o1") == 3 }, time.Second, 5*time.Millisecond)

	// 持有期间没有等待者拿到锁
	assert.Never(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(order) > 0
	}, 100*time.Millisecond, 10*time.Millisecond)

	require.NoError(t, first.Release(ctx))
	wg.Wait()
	assert.Equal(t, []string{"second", "third"}, order)
	assert.Zero(t, conn.childCount("order:o1"))
}

func TestLocker_TimeoutRemovesOwnNode(t *testing.T) {
	conn := newMemConn()
	ctx := context.Background()
	held, err := NewLocker(conn, time.Second).Acquire(ctx, "job:stock-drift")
	require.NoError(t, err)

	_, err = NewLocker(conn, 50*time.Millisecond).Acquire(ctx, "job:stock-drift")
	assert.ErrorIs(t, err, lock.ErrNotAcquired)
	assert.Equal(t, 1, conn.childCount("job:stock-drift"))

	require.NoError(t, held.Release(ctx))
	assert.ErrorIs(t, held.Release(ctx), lock.ErrNotHeld)
}

func TestLocker_CancelledWaiterCleansUp(t *testing.T) {
	conn := newMemConn()
	locker := NewLocker(conn, 5*time.Second)
	held, err := locker.Acquire(context.Background(), "order:o2")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = locker.Acquire(ctx, "order:o2")
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, 1, conn.childCount("order:o2"))
	require.NoError(t, held.Release(context.Background()))
}

func TestLocker_ResourcesAreIndependent(t *testing.T) {
	locker := NewLocker(newMemConn(), 50*time.Millisecond)
	ctx := context.Background()
	a, err := locker.Acquire(ctx, "order:a")
	require.NoError(t, err)
	b, err := locker.Acquire(ctx, "order:b")
	require.NoError(t, err)
	assert.NotEqual(t, a.Token(), b.Token())
	assert.Equal(t, "order:b", b.Resource())
}

func TestLocker_LiveEnsemble(t *testing.T) {
	servers := os.Getenv("TEST_ZOOKEEPER_SERVERS")
	if servers == "" {
		t.Skip("TEST_ZOOKEEPER_SERVERS not set, skipping ZooKeeper-backed test")
	}
	connA, err := Connect(strings.Split(servers, ","), 5*time.Second)
	require.NoError(t, err)
	defer connA.Close()
	connB, err := Connect(strings.Split(servers, ","), 5*time.Second)
	require.NoError(t, err)
	defer connB.Close()

	ctx := context.Background()
	resource := "test:" + uuid.NewString()
	held, err := NewLocker(connA, time.Second).Acquire(ctx, resource)
	require.NoError(t, err)

	_, err = NewLocker(connB, 200*time.Millisecond).Acquire(ctx, resource)
	assert.ErrorIs(t, err, lock.ErrNotAcquired)

	require.NoError(t, held.Release(ctx))
	again, err := NewLocker(connB, time.Second).Acquire(ctx, resource)
	require.NoError(t, err)
	require.NoError(t, again.Release(ctx))
}
