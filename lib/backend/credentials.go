// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package backend

import (
	"context"
	"os"
	"regexp"
	"strings"

	"github.com/all3bar/saga-cpp-legacy-projects/sdk/go/pilot"
)

// Credential is authentication material for one backend. The core
// passes it to Acquire without inspecting it.
type Credential struct {
	Ref    string
	Secret map[string]string
}

// Get returns the named secret value, or "".
func (cred Credential) Get(key string) string {
	return cred.Secret[key]
}

// A CredentialProvider resolves a PilotJobSpec's CredentialRef.
type CredentialProvider interface {
	Resolve(ctx context.Context, ref string) (Credential, error)
}

// CredentialFunc adapts a function to the CredentialProvider
// interface.
type CredentialFunc func(ctx context.Context, ref string) (Credential, error)

func (f CredentialFunc) Resolve(ctx context.Context, ref string) (Credential, error) {
	return f(ctx, ref)
}

// StaticCredentials resolves refs from a fixed map, typically the
// Credentials section of the config file.
type StaticCredentials map[string]map[string]string

func (sc StaticCredentials) Resolve(ctx context.Context, ref string) (Credential, error) {
	secret, ok := sc[ref]
	if !ok {
		return Credential{}, pilot.Errorf(pilot.ErrDoesNotExist, "resolve_credential", ref, "no such credential")
	}
	cp := make(map[string]string, len(secret))
	for k, v := range secret {
		cp[k] = v
	}
	return Credential{Ref: ref, Secret: cp}, nil
}

// EnvCredentials resolves ref "foo" to the environment variables
// named PILOTJOB_CRED_FOO_*, e.g., PILOTJOB_CRED_FOO_ACCESSKEYID
// becomes Secret["accesskeyid"]. Characters other than letters and
// digits in ref are replaced by "_".
type EnvCredentials struct {
	// Defaults to os.Environ.
	Environ func() []string
}

var envUnsafe = regexp.MustCompile(`[^A-Z0-9]`)

func (ec EnvCredentials) Resolve(ctx context.Context, ref string) (Credential, error) {
	environ := ec.Environ
	if environ == nil {
		environ = os.Environ
	}
	prefix := "PILOTJOB_CRED_" + envUnsafe.ReplaceAllString(strings.ToUpper(ref), "_") + "_"
	cred := Credential{Ref: ref, Secret: map[string]string{}}
	for _, kv := range environ() {
		if !strings.HasPrefix(kv, prefix) {
			continue
		}
		k, v, _ := strings.Cut(kv[len(prefix):], "=")
		if k != "" {
			cred.Secret[strings.ToLower(k)] = v
		}
	}
	if len(cred.Secret) == 0 {
		return Credential{}, pilot.Errorf(pilot.ErrDoesNotExist, "resolve_credential", ref, "no %s* environment variables", prefix)
	}
	return cred, nil
}

// ChainCredentials tries each provider in turn, returning the first
// result that is not a DoesNotExist error.
type ChainCredentials []CredentialProvider

func (chain ChainCredentials) Resolve(ctx context.Context, ref string) (Credential, error) {
	var lastErr error = pilot.Errorf(pilot.ErrDoesNotExist, "resolve_credential", ref, "no credential providers")
	for _, cp := range chain {
		cred, err := cp.Resolve(ctx, ref)
		if err == nil {
			return cred, nil
		}
		lastErr = err
		if pilot.KindOf(err) != pilot.ErrDoesNotExist {
			break
		}
	}
	return Credential{}, lastErr
}
