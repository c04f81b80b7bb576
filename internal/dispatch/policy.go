// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package dispatch

import (
	"sync/atomic"
	"time"
)

// CommandPolicy is the retry/backoff configuration resolved per
// operation.
type CommandPolicy struct {
	MaxAttempts           int           `yaml:"max_attempts"`
	RetryDelayBase        time.Duration `yaml:"retry_delay_base"`
	RetryDelayMax         time.Duration `yaml:"retry_delay_max"`
	ExponentialBackoff    bool          `yaml:"exponential_backoff"`
	RetryOnFailureResult  bool          `yaml:"retry_on_failure_result"`
	RetryOnException      bool          `yaml:"retry_on_exception"`
}

// DefaultCommandPolicy is used when no override matches.
func DefaultCommandPolicy() CommandPolicy {
	return CommandPolicy{
		MaxAttempts:          1,
		RetryDelayBase:       time.Second,
		RetryDelayMax:        30 * time.Second,
		ExponentialBackoff:   true,
		RetryOnFailureResult: false,
		RetryOnException:     true,
	}
}

// PolicySet is the layered configuration a CommandPolicyResolver
// consults: an explicit per-operationName table, a per-metadata-
// "operation" table, and a default. It is an immutable value — hot
// reload swaps the resolver's pointer to a new PolicySet rather than
// mutating one in place, so concurrent lookups never observe a torn
// read (spec §4.2: "successive calls can return different instances").
type PolicySet struct {
	Default     CommandPolicy
	ByOperation map[string]CommandPolicy
	ByMetaOp    map[string]CommandPolicy
}

// CommandPolicyResolver resolves a CommandPolicy for (operationName,
// metadata["operation"]). It is safe for concurrent use; Reload is
// typically called by a config file watcher (see config.go).
type CommandPolicyResolver struct {
	current atomic.Pointer[PolicySet]
}

// NewCommandPolicyResolver builds a resolver seeded with the given
// PolicySet (a zero-value set falls back to DefaultCommandPolicy for
// everything).
func NewCommandPolicyResolver(set PolicySet) *CommandPolicyResolver {
	if set.Default == (CommandPolicy{}) {
		set.Default = DefaultCommandPolicy()
	}
	r := &CommandPolicyResolver{}
	r.current.Store(&set)
	return r
}

// Reload atomically replaces the active PolicySet. Safe to call while
// Resolve is concurrently in flight.
func (r *CommandPolicyResolver) Reload(set PolicySet) {
	if set.Default == (CommandPolicy{}) {
		set.Default = DefaultCommandPolicy()
	}
	r.current.Store(&set)
}

// Resolve looks up, in order: an explicit override keyed by
// operationName, then one keyed by metaOperation (metadata["operation"]),
// then the default. Unknown keys fall through to the default.
func (r *CommandPolicyResolver) Resolve(operationName, metaOperation string) CommandPolicy {
	set := r.current.Load()
	if set == nil {
		return DefaultCommandPolicy()
	}
	if p, ok := set.ByOperation[operationName]; ok {
		return p
	}
	if metaOperation != "" {
		if p, ok := set.ByMetaOp[metaOperation]; ok {
			return p
		}
	}
	return set.Default
}

// backoffDelay computes the sleep between attempt N and N+1 (1-indexed
// attempt, i.e. the delay taken after the first failed attempt uses
// attempt=1), per spec §4.1 step 3b: min(base * 2^(attempt-1), max) if
// exponential, else linear (base * attempt capped at max).
func backoffDelay(p CommandPolicy, attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	var d time.Duration
	if p.ExponentialBackoff {
		d = p.RetryDelayBase
		for i := 1; i < attempt; i++ {
			d *= 2
			if p.RetryDelayMax > 0 && d >= p.RetryDelayMax {
				d = p.RetryDelayMax
				break
			}
		}
	} else {
		d = p.RetryDelayBase * time.Duration(attempt)
	}
	if p.RetryDelayMax > 0 && d > p.RetryDelayMax {
		d = p.RetryDelayMax
	}
	return d
}
