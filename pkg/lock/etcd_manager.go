package lock

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"os"
	"strings"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"
	"go.etcd.io/etcd/client/v3/concurrency"
)

// EtcdManagerOptions configures the etcd-backed lock manager.
type EtcdManagerOptions struct {
	Endpoints   []string
	DialTimeout time.Duration
	LockKey     string
	Namespace   string
	TTL         time.Duration
	TLS         *tls.Config
	// Host defaults to os.Hostname.
	Host      string
	ProcessID int
	Clock     func() time.Time
}

// EtcdManager holds the run lock as an etcd mutex bound to a TTL session, so
// a crashed run frees the lock once its lease expires.
type EtcdManager struct {
	client     *clientv3.Client
	key        string
	ttlSeconds int
	host       string
	pid        int
	now        func() time.Time
}

func NewEtcdManager(opts EtcdManagerOptions) (*EtcdManager, error) {
	if len(opts.Endpoints) == 0 {
		return nil, errors.New("etcd lock manager requires at least one endpoint")
	}
	key := strings.TrimSpace(opts.LockKey)
	if key == "" {
		return nil, errors.New("etcd lock manager requires a non-empty lock key")
	}
	ttlSeconds := int(math.Ceil(opts.TTL.Seconds()))
	if ttlSeconds <= 0 {
		return nil, errors.New("etcd lock manager requires a TTL of at least 1 second")
	}

	host := strings.TrimSpace(opts.Host)
	if host == "" {
		name, err := os.Hostname()
		if err != nil {
			return nil, fmt.Errorf("determine lock holder host: %w", err)
		}
		host = name
	}
	pid := opts.ProcessID
	if pid <= 0 {
		pid = os.Getpid()
	}
	clock := opts.Clock
	if clock == nil {
		clock = time.Now
	}
	dialTimeout := opts.DialTimeout
	if dialTimeout <= 0 {
		dialTimeout = 5 * time.Second
	}

	client, err := clientv3.New(clientv3.Config{
		Endpoints:           opts.Endpoints,
		DialTimeout:         dialTimeout,
		TLS:                 opts.TLS,
		RejectOldCluster:    true,
		PermitWithoutStream: true,
	})
	if err != nil {
		return nil, fmt.Errorf("create etcd client: %w", err)
	}

	return &EtcdManager{
		client:     client,
		key:        applyNamespace(opts.Namespace, key),
		ttlSeconds: ttlSeconds,
		host:       host,
		pid:        pid,
		now:        clock,
	}, nil
}

// Close releases underlying client resources.
func (m *EtcdManager) Close() error {
	if m == nil {
		return nil
	}
	return m.client.Close()
}

// Acquire tries the lock once without waiting. A held lock yields *HeldError.
func (m *EtcdManager) Acquire(ctx context.Context) (Lease, error) {
	ctx = clientv3.WithRequireLeader(ctx)

	session, err := concurrency.NewSession(m.client, concurrency.WithTTL(m.ttlSeconds))
	if err != nil {
		if isContextErr(err) {
			return nil, err
		}
		return nil, fmt.Errorf("create session: %w", err)
	}

	mutex := concurrency.NewMutex(session, m.key)
	if err := mutex.TryLock(ctx); err != nil {
		_ = session.Close()
		if errors.Is(err, concurrency.ErrLocked) {
			holder, _ := m.CurrentHolder(ctx)
			return nil, &HeldError{Holder: holder}
		}
		if isContextErr(err) {
			return nil, err
		}
		return nil, fmt.Errorf("try lock: %w", err)
	}

	if err := m.annotate(ctx, session, mutex); err != nil {
		cleanupCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		_ = mutex.Unlock(cleanupCtx)
		cancel()
		_ = session.Close()
		if isContextErr(err) {
			return nil, err
		}
		return nil, fmt.Errorf("annotate lock: %w", err)
	}

	return &etcdLease{session: session, mutex: mutex}, nil
}

// CurrentHolder reports who owns the lock. A zero Holder is returned when it is free.
func (m *EtcdManager) CurrentHolder(ctx context.Context) (Holder, error) {
	resp, err := m.client.Get(ctx, m.key+"/", clientv3.WithFirstCreate()...)
	if err != nil {
		return Holder{}, fmt.Errorf("read lock owner: %w", err)
	}
	if len(resp.Kvs) == 0 || len(resp.Kvs[0].Value) == 0 {
		return Holder{}, nil
	}
	var holder Holder
	if err := json.Unmarshal(resp.Kvs[0].Value, &holder); err != nil {
		return Holder{}, fmt.Errorf("decode lock owner: %w", err)
	}
	return holder, nil
}

func (m *EtcdManager) annotate(ctx context.Context, session *concurrency.Session, mutex *concurrency.Mutex) error {
	payload, err := json.Marshal(Holder{Host: m.host, PID: m.pid, AcquiredAt: m.now().UTC()})
	if err != nil {
		return err
	}
	_, err = m.client.Put(ctx, mutex.Key(), string(payload), clientv3.WithLease(session.Lease()))
	return err
}

var _ Manager = (*EtcdManager)(nil)

type etcdLease struct {
	session *concurrency.Session
	mutex   *concurrency.Mutex
}

func (l *etcdLease) Release(ctx context.Context) error {
	ctx = clientv3.WithRequireLeader(ctx)

	unlockErr := l.mutex.Unlock(ctx)
	closeErr := l.session.Close()

	if unlockErr != nil && !errors.Is(unlockErr, concurrency.ErrLockReleased) {
		if isContextErr(unlockErr) {
			return unlockErr
		}
		return fmt.Errorf("unlock: %w", unlockErr)
	}
	if closeErr != nil {
		if isContextErr(closeErr) {
			return closeErr
		}
		return fmt.Errorf("close session: %w", closeErr)
	}
	return nil
}

func isContextErr(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

func applyNamespace(namespace, key string) string {
	normalizedKey := "/" + strings.TrimLeft(key, "/")
	trimmedNamespace := strings.Trim(namespace, "/")
	if trimmedNamespace == "" {
		return normalizedKey
	}
	return "/" + trimmedNamespace + normalizedKey
}
