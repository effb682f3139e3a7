// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package backend

import (
	"context"
	"errors"

	"github.com/all3bar/saga-cpp-legacy-projects/sdk/go/pilot"
	check "gopkg.in/check.v1"
)

var _ = check.Suite(&CredentialSuite{})

type CredentialSuite struct{}

func (*CredentialSuite) TestStatic(c *check.C) {
	sc := StaticCredentials{"aws": {"accesskeyid": "AKIA", "secretaccesskey": "shh"}}
	cred, err := sc.Resolve(context.Background(), "aws")
	c.Assert(err, check.IsNil)
	c.Check(cred.Ref, check.Equals, "aws")
	c.Check(cred.Get("accesskeyid"), check.Equals, "AKIA")
	cred.Secret["accesskeyid"] = "changed"
	c.Check(sc["aws"]["accesskeyid"], check.Equals, "AKIA")

	_, err = sc.Resolve(context.Background(), "gcp")
	c.Check(errors.Is(err, pilot.ErrDoesNotExist), check.Equals, true)
}

func (*CredentialSuite) TestEnv(c *check.C) {
	ec := EnvCredentials{Environ: func() []string {
		return []string{
			"HOME=/root",
			"PILOTJOB_CRED_LONI_QB_PROXY=/tmp/x509up",
			"PILOTJOB_CRED_LONI_QB_USER=alice=x",
			"PILOTJOB_CRED_OTHER_PROXY=nope",
		}
	}}
	cred, err := ec.Resolve(context.Background(), "loni-qb")
	c.Assert(err, check.IsNil)
	c.Check(cred.Secret, check.DeepEquals, map[string]string{"proxy": "/tmp/x509up", "user": "alice=x"})

	_, err = ec.Resolve(context.Background(), "missing")
	c.Check(errors.Is(err, pilot.ErrDoesNotExist), check.Equals, true)
}

func (*CredentialSuite) TestChain(c *check.C) {
	broken := CredentialFunc(func(context.Context, string) (Credential, error) {
		return Credential{}, errors.New("vault unreachable")
	})
	chain := ChainCredentials{StaticCredentials{"a": {"k": "1"}}, EnvCredentials{Environ: func() []string { return nil }}}
	cred, err := chain.Resolve(context.Background(), "a")
	c.Check(err, check.IsNil)
	c.Check(cred.Get("k"), check.Equals, "1")
	_, err = chain.Resolve(context.Background(), "b")
	c.Check(errors.Is(err, pilot.ErrDoesNotExist), check.Equals, true)

	chain = ChainCredentials{broken, StaticCredentials{"a": {"k": "1"}}}
	_, err = chain.Resolve(context.Background(), "a")
	c.Check(err, check.ErrorMatches, `vault unreachable`)
}
