package coordination

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"go.etcd.io/etcd/api/v3/v3rpc/rpctypes"
	clientv3 "go.etcd.io/etcd/client/v3"
	raftv3 "go.etcd.io/raft/v3"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

type EtcdStoreOptions struct {
	ClientCertPath    string
	ClientKeyPath     string
	CaCertPath        string
	Username          string
	Password          string
	EtcdEndpoints     []string
	ConnectionTimeout time.Duration
	RequestTimeout    time.Duration
	RetryInterval     time.Duration
	Retries           uint64
}

/*
EtcdStore implements the Store contract on top of etcd. Record expiry is
enforced server-side by attaching a lease to the record's key: an expired
record is deleted by etcd itself, so "no live record" and "key absent" are
the same condition.
*/
type EtcdStore struct {
	client         *clientv3.Client
	retries        uint64
	retryInterval  time.Duration
	requestTimeout time.Duration
}

/*
ConnectEtcd dials the etcd endpoints. Setting CaCertPath turns TLS on:
authentication is then either mutual TLS through the client certificate pair
or username/password when Username is set. Without a CA certificate the
connection is plaintext, which only makes sense against a local etcd.
*/
func ConnectEtcd(opts EtcdStoreOptions) (*EtcdStore, error) {
	conf := clientv3.Config{
		Endpoints:   opts.EtcdEndpoints,
		Username:    opts.Username,
		Password:    opts.Password,
		DialTimeout: opts.ConnectionTimeout,
	}

	if opts.CaCertPath != "" {
		caCert, err := os.ReadFile(opts.CaCertPath)
		if err != nil {
			return nil, fmt.Errorf("failed to read root certificate file: %w", err)
		}
		roots := x509.NewCertPool()
		if !roots.AppendCertsFromPEM(caCert) {
			return nil, errors.New("failed to parse root certificate authority")
		}

		tlsConf := &tls.Config{RootCAs: roots}
		if opts.Username == "" {
			cert, err := tls.LoadX509KeyPair(opts.ClientCertPath, opts.ClientKeyPath)
			if err != nil {
				return nil, fmt.Errorf("failed to load client credentials: %w", err)
			}
			tlsConf.Certificates = []tls.Certificate{cert}
		}
		conf.TLS = tlsConf
	}

	cli, connErr := clientv3.New(conf)
	if connErr != nil {
		return nil, fmt.Errorf("failed to connect to etcd servers: %w", connErr)
	}

	return &EtcdStore{
		client:         cli,
		retries:        opts.Retries,
		retryInterval:  opts.RetryInterval,
		requestTimeout: opts.RequestTimeout,
	}, nil
}

func (s *EtcdStore) Close() {
	s.client.Close()
}

func shouldRetry(err error, retries uint64) bool {
	etcdErr, ok := err.(rpctypes.EtcdError)
	if ok {
		if etcdErr.Code() != codes.Unavailable || retries == 0 {
			return false
		}
	} else {
		stat, ok := status.FromError(err)
		if !ok {
			return false
		}

		if stat.Message() != raftv3.ErrProposalDropped.Error() {
			return false
		}
	}

	return true
}

//Lease TTLs are whole seconds in etcd and must be at least one second.
//Fractional ttls round up so the server never expires a record earlier
//than the caller asked for.
func leaseTtl(ttl time.Duration) int64 {
	seconds := int64((ttl + time.Second - 1) / time.Second)
	if seconds < 1 {
		seconds = 1
	}
	return seconds
}

//isLeaseNotFound detects a revocation that lost the race with the lease's
//own expiry, whether the client surfaced the canonical etcd error or a raw
//grpc status.
func isLeaseNotFound(err error) bool {
	if errors.Is(err, rpctypes.ErrLeaseNotFound) {
		return true
	}

	stat, ok := status.FromError(err)
	return ok && stat.Message() == rpctypes.ErrLeaseNotFound.Error()
}

func recordIsAbsent(key string) clientv3.Cmp {
	return clientv3.Compare(clientv3.Version(key), "=", 0)
}

func (s *EtcdStore) revokeLeaseWithRetries(ctx context.Context, lease clientv3.LeaseID, retries uint64) error {
	reqCtx, cancel := context.WithTimeout(ctx, s.requestTimeout)
	defer cancel()

	_, err := s.client.Revoke(reqCtx, lease)
	if err != nil {
		if !shouldRetry(err, retries) {
			return err
		}

		time.Sleep(s.retryInterval)
		return s.revokeLeaseWithRetries(ctx, lease, retries-1)
	}

	return nil
}

func (s *EtcdStore) tryCreateWithRetries(ctx context.Context, key string, token string, ttl time.Duration, retries uint64) (bool, error) {
	if ctx.Err() != nil {
		return false, ctx.Err()
	}

	grantCtx, grantCancel := context.WithTimeout(ctx, s.requestTimeout)
	defer grantCancel()

	leaseResp, leaseErr := s.client.Grant(grantCtx, leaseTtl(ttl))
	if leaseErr != nil {
		if !shouldRetry(leaseErr, retries) {
			return false, &UnavailableError{Err: leaseErr}
		}

		time.Sleep(s.retryInterval)
		return s.tryCreateWithRetries(ctx, key, token, ttl, retries-1)
	}

	record := Record{Token: token, ExpiresAt: time.Now().Add(ttl)}
	value, _ := json.Marshal(record)

	//Create the record with a transaction as safeguard, in case another
	//acquirer narrowly beat us to the punch
	txCtx, txCancel := context.WithTimeout(ctx, s.requestTimeout)
	defer txCancel()
	tx := s.client.Txn(txCtx).If(
		recordIsAbsent(key),
	).Then(
		clientv3.OpPut(key, string(value), clientv3.WithLease(leaseResp.ID)),
	)
	txResp, txErr := tx.Commit()

	if txErr != nil {
		revokeErr := s.revokeLeaseWithRetries(ctx, leaseResp.ID, s.retries)
		if !shouldRetry(txErr, retries) || revokeErr != nil {
			return false, &UnavailableError{Err: txErr}
		}

		time.Sleep(s.retryInterval)
		return s.tryCreateWithRetries(ctx, key, token, ttl, retries-1)
	}

	//Someone else holds a live record. Revoke the unused lease instead of
	//letting it linger until its TTL.
	if !txResp.Succeeded {
		revokeErr := s.revokeLeaseWithRetries(ctx, leaseResp.ID, s.retries)
		if revokeErr != nil {
			return false, &UnavailableError{Err: revokeErr}
		}
		return false, nil
	}

	return true, nil
}

func (s *EtcdStore) TryCreate(ctx context.Context, key string, token string, ttl time.Duration) (bool, error) {
	return s.tryCreateWithRetries(ctx, key, token, ttl, s.retries)
}

func (s *EtcdStore) getRecordWithRetries(ctx context.Context, key string, retries uint64) (Record, clientv3.LeaseID, bool, error) {
	reqCtx, cancel := context.WithTimeout(ctx, s.requestTimeout)
	defer cancel()

	getResp, err := s.client.Get(reqCtx, key)
	if err != nil {
		if !shouldRetry(err, retries) {
			return Record{}, clientv3.NoLease, false, &UnavailableError{Err: err}
		}

		time.Sleep(s.retryInterval)
		return s.getRecordWithRetries(ctx, key, retries-1)
	}

	if len(getResp.Kvs) == 0 {
		return Record{}, clientv3.NoLease, false, nil
	}

	record := Record{}
	unmarshalErr := json.Unmarshal(getResp.Kvs[0].Value, &record)
	if unmarshalErr != nil {
		return Record{}, clientv3.NoLease, false, fmt.Errorf("malformed lock record at key %s: %w", key, unmarshalErr)
	}

	return record, clientv3.LeaseID(getResp.Kvs[0].Lease), true, nil
}

/*
ReleaseIfOwned releases by revoking the record's lease, which atomically
deletes the record. Revoking is safe against takeover races: if the record
expired and another holder re-created it, the new record is backed by a
different lease and the token comparison fails first anyway.
*/
func (s *EtcdStore) ReleaseIfOwned(ctx context.Context, key string, token string) (bool, error) {
	record, lease, found, err := s.getRecordWithRetries(ctx, key, s.retries)
	if err != nil {
		return false, err
	}

	if !found || record.Token != token {
		return false, nil
	}

	revokeErr := s.revokeLeaseWithRetries(ctx, lease, s.retries)
	if revokeErr != nil {
		//The record expired between the read and the revoke; ownership has
		//already changed hands
		if isLeaseNotFound(revokeErr) {
			return false, nil
		}
		return false, &UnavailableError{Err: revokeErr}
	}

	return true, nil
}

func (s *EtcdStore) Inspect(ctx context.Context, key string) (Record, bool, error) {
	record, _, found, err := s.getRecordWithRetries(ctx, key, s.retries)
	return record, found, err
}
