package stores

import (
	"context"
	"encoding/json"
	"fmt"
	"path"
	"sort"
	"strings"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"
)

// Key layout under the service root.
const (
	tasksDir      = "tasks"
	statusDir     = "status"
	propertiesDir = "properties"
)

// EtcdConfig holds etcd store configuration.
type EtcdConfig struct {
	Endpoints   []string
	DialTimeout time.Duration
	// Root is the key prefix shared by all entries, usually "/<service name>".
	Root string
}

// EtcdStore implements StateStore on etcd. Values are JSON except properties,
// which are stored as raw bytes.
type EtcdStore struct {
	client *clientv3.Client
	kv     clientv3.KV
	root   string
}

// NewEtcdStore connects to etcd.
func NewEtcdStore(cfg EtcdConfig) (*EtcdStore, error) {
	if len(cfg.Endpoints) == 0 {
		return nil, fmt.Errorf("at least one etcd endpoint is required")
	}
	if cfg.DialTimeout == 0 {
		cfg.DialTimeout = 5 * time.Second
	}

	cli, err := clientv3.New(clientv3.Config{
		Endpoints:   cfg.Endpoints,
		DialTimeout: cfg.DialTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to etcd: %w", err)
	}

	return &EtcdStore{client: cli, kv: cli, root: normalizeRoot(cfg.Root)}, nil
}

func normalizeRoot(root string) string {
	if root == "" {
		return "/offerd"
	}
	return "/" + strings.Trim(root, "/")
}

func (e *EtcdStore) prefix(dir string) string {
	return path.Join(e.root, dir) + "/"
}

func (e *EtcdStore) key(dir, name string) string {
	return e.prefix(dir) + name
}

func (e *EtcdStore) putJSON(ctx context.Context, key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to encode %s: %w", key, err)
	}
	if _, err := e.kv.Put(ctx, key, string(data)); err != nil {
		return fmt.Errorf("failed to put %s: %w", key, err)
	}
	return nil
}

func (e *EtcdStore) get(ctx context.Context, key string) ([]byte, int64, error) {
	resp, err := e.kv.Get(ctx, key)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to get %s: %w", key, err)
	}
	if len(resp.Kvs) == 0 {
		return nil, 0, fmt.Errorf("%s: %w", key, ErrNotFound)
	}
	return resp.Kvs[0].Value, resp.Kvs[0].ModRevision, nil
}

func (e *EtcdStore) StoreTaskRecord(ctx context.Context, record *TaskRecord) error {
	if record == nil || record.Name == "" {
		return fmt.Errorf("task record name is required")
	}
	c := record.Clone()
	if c.UpdatedAt.IsZero() {
		c.UpdatedAt = time.Now().UTC()
	}
	return e.putJSON(ctx, e.key(tasksDir, c.Name), c)
}

func (e *EtcdStore) FetchTaskRecord(ctx context.Context, name string) (*TaskRecord, error) {
	data, _, err := e.get(ctx, e.key(tasksDir, name))
	if err != nil {
		return nil, err
	}
	var r TaskRecord
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("failed to decode task record %s: %w", name, err)
	}
	return &r, nil
}

func (e *EtcdStore) FetchTaskRecords(ctx context.Context) ([]*TaskRecord, error) {
	resp, err := e.kv.Get(ctx, e.prefix(tasksDir), clientv3.WithPrefix())
	if err != nil {
		return nil, fmt.Errorf("failed to list task records: %w", err)
	}

	records := make([]*TaskRecord, 0, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		var r TaskRecord
		if err := json.Unmarshal(kv.Value, &r); err != nil {
			return nil, fmt.Errorf("failed to decode task record %s: %w", kv.Key, err)
		}
		records = append(records, &r)
	}
	sort.Slice(records, func(i, j int) bool { return records[i].Name < records[j].Name })
	return records, nil
}

func (e *EtcdStore) RemoveTaskRecord(ctx context.Context, name string) error {
	_, err := e.kv.Txn(ctx).Then(
		clientv3.OpDelete(e.key(statusDir, name)),
		clientv3.OpDelete(e.key(tasksDir, name)),
	).Commit()
	if err != nil {
		return fmt.Errorf("failed to remove task record %s: %w", name, err)
	}
	return nil
}

func (e *EtcdStore) StoreTaskStatus(ctx context.Context, status *TaskStatus) error {
	if status == nil || status.TaskName == "" {
		return fmt.Errorf("task status name is required")
	}
	key := e.key(statusDir, status.TaskName)
	data, err := json.Marshal(status)
	if err != nil {
		return fmt.Errorf("failed to encode task status: %w", err)
	}

	// Compare-and-swap on the mod revision so a concurrent newer status is never overwritten.
	for {
		prev, rev, err := e.get(ctx, key)
		if err != nil && !IsNotFound(err) {
			return err
		}
		if err == nil {
			var old TaskStatus
			if jerr := json.Unmarshal(prev, &old); jerr == nil && status.Timestamp.Before(old.Timestamp) {
				return nil
			}
		}

		resp, err := e.kv.Txn(ctx).
			If(clientv3.Compare(clientv3.ModRevision(key), "=", rev)).
			Then(clientv3.OpPut(key, string(data))).
			Commit()
		if err != nil {
			return fmt.Errorf("failed to store task status: %w", err)
		}
		if resp.Succeeded {
			return nil
		}
	}
}

func (e *EtcdStore) FetchTaskStatus(ctx context.Context, name string) (*TaskStatus, error) {
	data, _, err := e.get(ctx, e.key(statusDir, name))
	if err != nil {
		return nil, err
	}
	var st TaskStatus
	if err := json.Unmarshal(data, &st); err != nil {
		return nil, fmt.Errorf("failed to decode task status %s: %w", name, err)
	}
	return &st, nil
}

func (e *EtcdStore) StoreProperty(ctx context.Context, key string, value []byte) error {
	if key == "" {
		return fmt.Errorf("property key is required")
	}
	if _, err := e.kv.Put(ctx, e.key(propertiesDir, key), string(value)); err != nil {
		return fmt.Errorf("failed to store property %s: %w", key, err)
	}
	return nil
}

func (e *EtcdStore) FetchProperty(ctx context.Context, key string) ([]byte, error) {
	data, _, err := e.get(ctx, e.key(propertiesDir, key))
	return data, err
}

func (e *EtcdStore) ClearProperty(ctx context.Context, key string) error {
	if _, err := e.kv.Delete(ctx, e.key(propertiesDir, key)); err != nil {
		return fmt.Errorf("failed to clear property %s: %w", key, err)
	}
	return nil
}

// Close closes the etcd client.
func (e *EtcdStore) Close() error {
	if e.client != nil {
		return e.client.Close()
	}
	return nil
}
