// Package redisstore implements keyfold.IdentifierStore on Redis. The
// unique (type, value) index and the identifier body are kept consistent
// by running every multi-key write as a Lua script, which Redis executes
// atomically.
package redisstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"github.com/redis/go-redis/v9"

	"github.com/keyfold/keyfold"
)

const (
	bodyPrefix = "keyfold:ident:"
	keyPrefix  = "keyfold:identkey:"
	userPrefix = "keyfold:userident:"
)

// Store is a Redis-backed identifier store. All keys must land on one
// hash slot in cluster deployments; use a hash tag in the key prefixes if
// that matters.
type Store struct {
	client redis.UniversalClient
}

// New returns a Store on the given client.
func New(client redis.UniversalClient) *Store {
	return &Store{client: client}
}

func bodyKey(id string) string { return bodyPrefix + id }

func indexKey(t keyfold.IdentifierType, value string) string {
	return keyPrefix + string(t) + ":" + value
}

func userKey(userID string) string { return userPrefix + userID }

// createScript claims the unique index entry and writes the body in one
// atomic step. KEYS: index, body, userset. ARGV: id, json.
var createScript = redis.NewScript(`
if redis.call("EXISTS", KEYS[1]) == 1 then
	return "conflict"
end
if redis.call("EXISTS", KEYS[2]) == 1 then
	return "conflict"
end
redis.call("SET", KEYS[1], ARGV[1])
redis.call("SET", KEYS[2], ARGV[2])
redis.call("SADD", KEYS[3], ARGV[1])
return "ok"
`)

// replaceScript swaps the old identifier for the replacement without any
// window where the user has zero rows or the new key has two owners.
// KEYS: oldIndex, oldBody, newIndex, newBody, userset.
// ARGV: oldID, newID, json.
var replaceScript = redis.NewScript(`
if redis.call("EXISTS", KEYS[2]) == 0 then
	return "notfound"
end
local owner = redis.call("GET", KEYS[3])
if owner and owner ~= ARGV[1] then
	return "conflict"
end
redis.call("DEL", KEYS[1])
redis.call("DEL", KEYS[2])
redis.call("SREM", KEYS[5], ARGV[1])
redis.call("SET", KEYS[3], ARGV[2])
redis.call("SET", KEYS[4], ARGV[3])
redis.call("SADD", KEYS[5], ARGV[2])
return "ok"
`)

// deleteScript removes the body, its index entry and the user-set member.
// KEYS: index, body, userset. ARGV: id.
var deleteScript = redis.NewScript(`
if redis.call("EXISTS", KEYS[2]) == 0 then
	return "notfound"
end
redis.call("DEL", KEYS[1])
redis.call("DEL", KEYS[2])
redis.call("SREM", KEYS[3], ARGV[1])
return "ok"
`)

func encode(ident keyfold.Identifier) (string, error) {
	body, err := json.Marshal(ident)
	if err != nil {
		return "", fmt.Errorf("redisstore: encode identifier: %w", err)
	}
	return string(body), nil
}

func decode(body []byte) (*keyfold.Identifier, error) {
	var ident keyfold.Identifier
	if err := json.Unmarshal(body, &ident); err != nil {
		return nil, fmt.Errorf("redisstore: decode identifier: %w", err)
	}
	return &ident, nil
}

func (s *Store) CreateIdentifier(ctx context.Context, ident keyfold.Identifier) (keyfold.Identifier, error) {
	body, err := encode(ident)
	if err != nil {
		return keyfold.Identifier{}, err
	}
	res, err := createScript.Run(ctx, s.client,
		[]string{indexKey(ident.Type, ident.NormalizedValue), bodyKey(ident.ID), userKey(ident.UserID)},
		ident.ID, body,
	).Text()
	if err != nil {
		return keyfold.Identifier{}, fmt.Errorf("redisstore: create: %w", err)
	}
	if res == "conflict" {
		return keyfold.Identifier{}, keyfold.ErrStoreConflict
	}
	return ident, nil
}

func (s *Store) GetIdentifier(ctx context.Context, id string) (*keyfold.Identifier, error) {
	body, err := s.client.Get(ctx, bodyKey(id)).Bytes()
	if err == redis.Nil {
		return nil, keyfold.ErrIdentifierNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("redisstore: get: %w", err)
	}
	return decode(body)
}

func (s *Store) GetIdentifierByValue(ctx context.Context, t keyfold.IdentifierType, value string) (*keyfold.Identifier, error) {
	id, err := s.client.Get(ctx, indexKey(t, value)).Result()
	if err == redis.Nil {
		return nil, keyfold.ErrIdentifierNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("redisstore: index lookup: %w", err)
	}
	return s.GetIdentifier(ctx, id)
}

func (s *Store) GetUserByIdentifier(ctx context.Context, t keyfold.IdentifierType, value string) (string, error) {
	ident, err := s.GetIdentifierByValue(ctx, t, value)
	if err != nil {
		return "", err
	}
	return ident.UserID, nil
}

// UpdateIdentifier rewrites the body under optimistic locking; the unique
// key never changes here, so WATCH on the body key is enough.
func (s *Store) UpdateIdentifier(ctx context.Context, id string, upd keyfold.IdentifierUpdate) (*keyfold.Identifier, error) {
	var updated *keyfold.Identifier
	err := s.client.Watch(ctx, func(tx *redis.Tx) error {
		body, err := tx.Get(ctx, bodyKey(id)).Bytes()
		if err == redis.Nil {
			return keyfold.ErrIdentifierNotFound
		}
		if err != nil {
			return err
		}
		ident, err := decode(body)
		if err != nil {
			return err
		}
		if upd.Verified != nil {
			ident.Verified = *upd.Verified
		}
		if upd.CredentialHash != nil {
			ident.CredentialHash = *upd.CredentialHash
		}
		if upd.Metadata != nil {
			ident.Metadata = upd.Metadata
		}
		newBody, err := encode(*ident)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, bodyKey(id), newBody, 0)
			return nil
		})
		if err != nil {
			return err
		}
		updated = ident
		return nil
	}, bodyKey(id))
	if err != nil {
		return nil, err
	}
	return updated, nil
}

func (s *Store) DeleteIdentifier(ctx context.Context, id string) error {
	ident, err := s.GetIdentifier(ctx, id)
	if err != nil {
		return err
	}
	res, err := deleteScript.Run(ctx, s.client,
		[]string{indexKey(ident.Type, ident.NormalizedValue), bodyKey(id), userKey(ident.UserID)},
		id,
	).Text()
	if err != nil {
		return fmt.Errorf("redisstore: delete: %w", err)
	}
	if res == "notfound" {
		return keyfold.ErrIdentifierNotFound
	}
	return nil
}

func (s *Store) ListUserIdentifiers(ctx context.Context, userID string) ([]keyfold.Identifier, error) {
	ids, err := s.client.SMembers(ctx, userKey(userID)).Result()
	if err != nil {
		return nil, fmt.Errorf("redisstore: list: %w", err)
	}
	out := make([]keyfold.Identifier, 0, len(ids))
	for _, id := range ids {
		ident, err := s.GetIdentifier(ctx, id)
		if errors.Is(err, keyfold.ErrIdentifierNotFound) {
			// Body expired or deleted out of band; drop the stale member.
			s.client.SRem(ctx, userKey(userID), id)
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, *ident)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (s *Store) DeleteUserIdentifiers(ctx context.Context, userID string) error {
	ids, err := s.client.SMembers(ctx, userKey(userID)).Result()
	if err != nil {
		return fmt.Errorf("redisstore: list for delete: %w", err)
	}
	for _, id := range ids {
		if err := s.DeleteIdentifier(ctx, id); err != nil && !errors.Is(err, keyfold.ErrIdentifierNotFound) {
			return err
		}
	}
	return s.client.Del(ctx, userKey(userID)).Err()
}

func (s *Store) ReplaceIdentifier(ctx context.Context, oldID string, replacement keyfold.Identifier) (keyfold.Identifier, error) {
	old, err := s.GetIdentifier(ctx, oldID)
	if err != nil {
		return keyfold.Identifier{}, err
	}
	body, err := encode(replacement)
	if err != nil {
		return keyfold.Identifier{}, err
	}
	res, err := replaceScript.Run(ctx, s.client,
		[]string{
			indexKey(old.Type, old.NormalizedValue),
			bodyKey(oldID),
			indexKey(replacement.Type, replacement.NormalizedValue),
			bodyKey(replacement.ID),
			userKey(replacement.UserID),
		},
		oldID, replacement.ID, body,
	).Text()
	if err != nil {
		return keyfold.Identifier{}, fmt.Errorf("redisstore: replace: %w", err)
	}
	switch res {
	case "notfound":
		return keyfold.Identifier{}, keyfold.ErrIdentifierNotFound
	case "conflict":
		return keyfold.Identifier{}, keyfold.ErrStoreConflict
	}
	return replacement, nil
}
