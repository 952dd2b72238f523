// OpenTalk Controller — conference signaling core
// Copyright 2026 OpenTalk contributors
// SPDX-License-Identifier: EUPL-1.2

package authz

import (
	"fmt"
	"strings"

	"github.com/casbin/casbin/v2/model"
	"github.com/casbin/casbin/v2/persist"
	badger "github.com/dgraph-io/badger/v4"
)

// BadgerAdapter persists casbin policy rules in a badger database. Each
// rule is one key in CSV line form ("p, sub, obj, act" / "g, sub, role"),
// which makes uniqueness by the full tuple structural: rewriting an
// existing rule is a no-op.
type BadgerAdapter struct {
	db *badger.DB
}

// policyKeyPrefix namespaces policy rules inside the database.
const policyKeyPrefix = "casbin:rule:"

// NewBadgerAdapter opens (or creates) the policy store at dir.
func NewBadgerAdapter(dir string) (*BadgerAdapter, error) {
	opts := badger.DefaultOptions(dir).WithLogger(nil)
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open policy store %s: %w", dir, err)
	}
	return &BadgerAdapter{db: db}, nil
}

// NewBadgerAdapterInMemory opens an in-memory policy store. Used by tests.
func NewBadgerAdapterInMemory() (*BadgerAdapter, error) {
	opts := badger.DefaultOptions("").WithInMemory(true).WithLogger(nil)
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open in-memory policy store: %w", err)
	}
	return &BadgerAdapter{db: db}, nil
}

// Close shuts the underlying database down.
func (a *BadgerAdapter) Close() error {
	return a.db.Close()
}

var (
	_ persist.Adapter      = (*BadgerAdapter)(nil)
	_ persist.BatchAdapter = (*BadgerAdapter)(nil)
)

// ruleLine renders a rule in casbin's CSV line form.
func ruleLine(ptype string, rule []string) string {
	return ptype + ", " + strings.Join(rule, ", ")
}

// LoadPolicy reads all persisted rules into the model.
func (a *BadgerAdapter) LoadPolicy(m model.Model) error {
	return a.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(policyKeyPrefix)
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			line := strings.TrimPrefix(string(it.Item().Key()), policyKeyPrefix)
			if err := persist.LoadPolicyLine(line, m); err != nil {
				return fmt.Errorf("load policy line %q: %w", line, err)
			}
		}
		return nil
	})
}

// SavePolicy rewrites the whole store from the model. Casbin calls this
// for full saves; incremental writes go through Add/RemovePolicy.
func (a *BadgerAdapter) SavePolicy(m model.Model) error {
	lines := make([]string, 0)
	for ptype, ast := range m["p"] {
		for _, rule := range ast.Policy {
			lines = append(lines, ruleLine(ptype, rule))
		}
	}
	for ptype, ast := range m["g"] {
		for _, rule := range ast.Policy {
			lines = append(lines, ruleLine(ptype, rule))
		}
	}

	return a.db.Update(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(policyKeyPrefix)
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		var stale [][]byte
		for it.Rewind(); it.Valid(); it.Next() {
			stale = append(stale, it.Item().KeyCopy(nil))
		}
		it.Close()
		for _, key := range stale {
			if err := txn.Delete(key); err != nil {
				return fmt.Errorf("clear policy store: %w", err)
			}
		}
		for _, line := range lines {
			if err := txn.Set([]byte(policyKeyPrefix+line), nil); err != nil {
				return fmt.Errorf("persist policy line %q: %w", line, err)
			}
		}
		return nil
	})
}

// AddPolicy persists one rule.
func (a *BadgerAdapter) AddPolicy(_ string, ptype string, rule []string) error {
	return a.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(policyKeyPrefix+ruleLine(ptype, rule)), nil)
	})
}

// RemovePolicy deletes one rule.
func (a *BadgerAdapter) RemovePolicy(_ string, ptype string, rule []string) error {
	return a.db.Update(func(txn *badger.Txn) error {
		return txn.Delete([]byte(policyKeyPrefix + ruleLine(ptype, rule)))
	})
}

// AddPolicies persists a batch of rules in one transaction.
func (a *BadgerAdapter) AddPolicies(_ string, ptype string, rules [][]string) error {
	return a.db.Update(func(txn *badger.Txn) error {
		for _, rule := range rules {
			if err := txn.Set([]byte(policyKeyPrefix+ruleLine(ptype, rule)), nil); err != nil {
				return err
			}
		}
		return nil
	})
}

// RemovePolicies deletes a batch of rules in one transaction.
func (a *BadgerAdapter) RemovePolicies(_ string, ptype string, rules [][]string) error {
	return a.db.Update(func(txn *badger.Txn) error {
		for _, rule := range rules {
			if err := txn.Delete([]byte(policyKeyPrefix + ruleLine(ptype, rule))); err != nil {
				return err
			}
		}
		return nil
	})
}

// RemoveFilteredPolicy deletes rules matching the given field values,
// where empty values match anything.
func (a *BadgerAdapter) RemoveFilteredPolicy(_ string, ptype string, fieldIndex int, fieldValues ...string) error {
	return a.db.Update(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(policyKeyPrefix + ptype + ",")
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		var doomed [][]byte
		for it.Rewind(); it.Valid(); it.Next() {
			line := strings.TrimPrefix(string(it.Item().Key()), policyKeyPrefix)
			parts := strings.Split(line, ", ")
			if len(parts) < 2 {
				continue
			}
			rule := parts[1:]
			if filteredMatch(rule, fieldIndex, fieldValues) {
				doomed = append(doomed, it.Item().KeyCopy(nil))
			}
		}
		it.Close()
		for _, key := range doomed {
			if err := txn.Delete(key); err != nil {
				return err
			}
		}
		return nil
	})
}

func filteredMatch(rule []string, fieldIndex int, fieldValues []string) bool {
	for i, value := range fieldValues {
		if value == "" {
			continue
		}
		idx := fieldIndex + i
		if idx >= len(rule) || rule[idx] != value {
			return false
		}
	}
	return true
}
