// internal/zookeeper/lock.go
package zookeeper

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"fulfillment/internal/pkg/lock"

	"github.com/go-zookeeper/zk"
)

const (
	lockRoot = "/distributed_locks" // 所有分布式锁的根节点
)

// Conn 是 Locker 依赖的 zk 连接能力，*zk.Conn 满足该接口
type Conn interface {
	Exists(path string) (bool, *zk.Stat, error)
	ExistsW(path string) (bool, *zk.Stat, <-chan zk.Event, error)
	Create(path string, data []byte, flags int32, acl []zk.ACL) (string, error)
	CreateProtectedEphemeralSequential(path string, data []byte, acl []zk.ACL) (string, error)
	Children(path string) ([]string, *zk.Stat, error)
	Delete(path string, version int32) error
}

// Connect 建立 zk 会话。会话过期后临时节点自动删除，相当于锁的 TTL。
func Connect(servers []string, sessionTimeout time.Duration) (*zk.Conn, error) {
	conn, _, err := zk.Connect(servers, sessionTimeout)
	if err != nil {
		return nil, fmt.Errorf("failed to connect zookeeper: %w", err)
	}
	return conn, nil
}

// Locker 基于临时顺序节点的公平锁，实现 lock.Locker
type Locker struct {
	conn    Conn
	timeout time.Duration
}

// NewLocker 创建 Locker；waitTimeout 为排队等待前序节点的最长时间
func NewLocker(conn Conn, waitTimeout time.Duration) *Locker {
	if waitTimeout <= 0 {
		waitTimeout = 30 * time.Second
	}
	return &Locker{conn: conn, timeout: waitTimeout}
}

func (l *Locker) ensurePath(path string) error {
	exists, _, err := l.conn.Exists(path)
	if err != nil {
		return err
	}
	if exists {
		return nil
	}
	if _, err := l.conn.Create(path, []byte(""), 0, zk.WorldACL(zk.PermAll)); err != nil && !errors.Is(err, zk.ErrNodeExists) {
		return fmt.Errorf("failed to create lock node %s: %w", path, err)
	}
	return nil
}

// Acquire 创建顺序节点，若不是最小节点则监听前一个节点直到其删除
func (l *Locker) Acquire(ctx context.Context, resource string) (lock.Lock, error) {
	if err := l.ensurePath(lockRoot); err != nil {
		return nil, err
	}
	path := lockRoot + "/" + strings.ReplaceAll(lock.Key(resource), "/", "_")
	if err := l.ensurePath(path); err != nil {
		return nil, err
	}

	nodePath, err := l.conn.CreateProtectedEphemeralSequential(path+"/lock-", []byte(""), zk.WorldACL(zk.PermAll))
	if err != nil {
		return nil, fmt.Errorf("failed to create sequential node: %w", err)
	}
	held := &zkLock{conn: l.conn, resource: resource, node: nodePath}

	deadline := time.NewTimer(l.timeout)
	defer deadline.Stop()

	for {
		children, _, err := l.conn.Children(path)
		if err != nil {
			_ = held.Release(ctx)
			return nil, fmt.Errorf("failed to get children nodes: %w", err)
		}
		// protected 节点带有 _c_<guid>- 前缀，按序号排序
		sort.Slice(children, func(i, j int) bool { return sequence(children[i]) < sequence(children[j]) })

		myName := strings.TrimPrefix(nodePath, path+"/")
		idx := -1
		for i, child := range children {
			if child == myName {
				idx = i
				break
			}
		}
		if idx < 0 {
			return nil, errors.New("own lock node disappeared, session may have expired")
		}
		if idx == 0 {
			return held, nil
		}

		exists, _, events, err := l.conn.ExistsW(path + "/" + children[idx-1])
		if err != nil {
			_ = held.Release(ctx)
			return nil, fmt.Errorf("failed to watch previous node: %w", err)
		}
		if !exists {
			continue
		}

		select {
		case <-events:
		case <-deadline.C:
			_ = held.Release(ctx)
			return nil, fmt.Errorf("%w: timeout waiting for %s", lock.ErrNotAcquired, resource)
		case <-ctx.Done():
			_ = held.Release(context.WithoutCancel(ctx))
			return nil, ctx.Err()
		}
	}
}

func sequence(node string) string {
	if i := strings.LastIndex(node, "lock-"); i >= 0 {
		return node[i+len("lock-"):]
	}
	return node
}

type zkLock struct {
	conn     Conn
	resource string
	node     string
}

func (z *zkLock) Resource() string { return z.resource }

// Token 顺序节点路径天然唯一，可作为 fencing token
func (z *zkLock) Token() string { return z.node }

func (z *zkLock) Release(context.Context) error {
	if z.node == "" {
		return lock.ErrNotHeld
	}
	err := z.conn.Delete(z.node, -1)
	z.node = ""
	if err != nil {
		if errors.Is(err, zk.ErrNoNode) {
			return lock.ErrNotHeld
		}
		return fmt.Errorf("failed to delete lock node: %w", err)
	}
	return nil
}
