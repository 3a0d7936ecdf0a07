package testuser_test

import (
	"context"
	"errors"
	"time"

	"github.com/MrEthical07/testuser"
	"github.com/MrEthical07/testuser/idp"
	"github.com/redis/go-redis/v9"
)

// ExampleNew builds an engine against a Redis server and runs its loops.
func ExampleNew() {
	rdb := redis.NewClient(&redis.Options{Addr: "127.0.0.1:6379"})

	cfg := testuser.DefaultConfig()
	cfg.Accounts.TTL = 30 * time.Minute

	engine, err := testuser.New().
		WithConfig(cfg).
		WithRedis(rdb).
		Build()
	if err != nil {
		return
	}
	defer engine.Close()

	go func() { _ = engine.Run(context.Background()) }()
}

// ExampleEngine_ProvisionVerified asks for a ready account and backs off
// when the IdP reports flooding.
func ExampleEngine_ProvisionVerified() {
	var engine *testuser.Engine

	acct, err := engine.ProvisionVerified(context.Background(), idp.EnvDev)
	switch {
	case errors.Is(err, testuser.ErrFlooding):
		time.Sleep(time.Second)
	case errors.Is(err, testuser.ErrTimeout):
		// The confirmation mail never arrived; provision another.
	case err == nil:
		_ = acct.Email
	}
}

// ExampleEngine_GetAssertion signs an assertion for a relying party.
func ExampleEngine_GetAssertion() {
	var engine *testuser.Engine
	var acct *testuser.Account

	bundle, err := engine.GetAssertion(context.Background(), testuser.AssertionRequest{
		Email:    acct.Email,
		Pass:     acct.Pass,
		Env:      acct.Env,
		Audience: "https://rp.example.org",
		Duration: 10 * time.Minute,
	})
	if err != nil {
		return
	}
	_ = bundle.Bundle
}

// ExampleWithCorrelationID tags every event and log line of a call.
func ExampleWithCorrelationID() {
	var engine *testuser.Engine

	ctx := testuser.WithCorrelationID(context.Background(), "ci-run-42")
	_, _ = engine.ProvisionUnverified(ctx, idp.EnvStaging)
}
