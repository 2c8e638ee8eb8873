/*
Copyright 2024 Aussie Gateway Authors

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package cassandra backs the durable configuration ports with
// Cassandra: service registrations, API keys, signing keys, translation
// config revisions, roles and groups. Records are stored as JSON blobs
// keyed by id; uniqueness and optimistic concurrency use lightweight
// transactions. Volatile ports (sessions, counters, revocations, cache,
// pub/sub) return nil and fall to Redis or memory.
package cassandra

import (
	"context"
	"errors"
	"time"

	"github.com/gocql/gocql"
	"github.com/gravitational/trace"

	"github.com/aussieproj/aussie"
	"github.com/aussieproj/aussie/lib/storage"
	logutils "github.com/aussieproj/aussie/lib/utils/log"
)

var log = logutils.NewPackageLogger(aussie.ComponentKey, aussie.Component("storage", "cassandra"))

// Config holds parameters for the Cassandra provider.
type Config struct {
	// Hosts is the list of contact points.
	Hosts []string
	// Keyspace is created with SimpleStrategy RF=1 when absent; operators
	// running real clusters pre-create it with a proper topology.
	Keyspace string
	// Username and Password are optional.
	Username string
	Password string
	// Timeout bounds each query; zero applies the driver default.
	Timeout time.Duration
}

// CheckAndSetDefaults validates the config and fills in defaults.
func (c *Config) CheckAndSetDefaults() error {
	if len(c.Hosts) == 0 {
		return trace.BadParameter("cassandra hosts missing")
	}
	if c.Keyspace == "" {
		c.Keyspace = "aussie"
	}
	if c.Timeout <= 0 {
		c.Timeout = 5 * time.Second
	}
	return nil
}

// Provider implements storage.Provider backed by Cassandra.
type Provider struct {
	cfg     Config
	session *gocql.Session

	services     *serviceRepo
	apiKeys      *apiKeyRepo
	signingKeys  *signingKeyRepo
	translations *translationRepo
	roles        *roleRepo
	groups       *groupRepo
}

// New connects to the cluster and ensures the schema exists. Unlike the
// Redis provider, a Cassandra that cannot be reached at boot is fatal:
// the durable stores have no degraded mode.
func New(cfg Config) (*Provider, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	if err := ensureKeyspace(cfg); err != nil {
		return nil, trace.Wrap(err)
	}
	cluster := newCluster(cfg)
	cluster.Keyspace = cfg.Keyspace
	session, err := cluster.CreateSession()
	if err != nil {
		return nil, trace.ConnectionProblem(err, "connecting to cassandra at %v", cfg.Hosts)
	}
	p := &Provider{cfg: cfg, session: session}
	if err := p.ensureTables(); err != nil {
		session.Close()
		return nil, trace.Wrap(err)
	}
	p.services = &serviceRepo{p: p}
	p.apiKeys = &apiKeyRepo{records: jsonTable{p: p, table: "api_keys"}}
	p.signingKeys = &signingKeyRepo{records: jsonTable{p: p, table: "signing_keys"}}
	p.translations = &translationRepo{p: p}
	p.roles = &roleRepo{records: jsonTable{p: p, table: "roles"}}
	p.groups = &groupRepo{records: jsonTable{p: p, table: "groups"}}
	log.InfoContext(context.Background(), "Connected to Cassandra",
		"hosts", cfg.Hosts, "keyspace", cfg.Keyspace)
	return p, nil
}

func newCluster(cfg Config) *gocql.ClusterConfig {
	cluster := gocql.NewCluster(cfg.Hosts...)
	cluster.Timeout = cfg.Timeout
	cluster.ConnectTimeout = cfg.Timeout
	cluster.Consistency = gocql.LocalQuorum
	if cfg.Username != "" {
		cluster.Authenticator = gocql.PasswordAuthenticator{
			Username: cfg.Username,
			Password: cfg.Password,
		}
	}
	return cluster
}

func ensureKeyspace(cfg Config) error {
	cluster := newCluster(cfg)
	session, err := cluster.CreateSession()
	if err != nil {
		return trace.ConnectionProblem(err, "connecting to cassandra at %v", cfg.Hosts)
	}
	defer session.Close()
	return trace.Wrap(session.Query(
		`CREATE KEYSPACE IF NOT EXISTS ` + cfg.Keyspace +
			` WITH replication = {'class': 'SimpleStrategy', 'replication_factor': 1}`).Exec())
}

func (p *Provider) ensureTables() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS services (id text PRIMARY KEY, version bigint, data text)`,
		`CREATE TABLE IF NOT EXISTS api_keys (id text PRIMARY KEY, data text)`,
		`CREATE TABLE IF NOT EXISTS signing_keys (id text PRIMARY KEY, data text)`,
		`CREATE TABLE IF NOT EXISTS translation_configs (id text PRIMARY KEY, version int, data text)`,
		`CREATE TABLE IF NOT EXISTS translation_active (singleton text PRIMARY KEY, config_id text)`,
		`CREATE TABLE IF NOT EXISTS roles (id text PRIMARY KEY, data text)`,
		`CREATE TABLE IF NOT EXISTS groups (id text PRIMARY KEY, data text)`,
	}
	for _, stmt := range stmts {
		if err := p.session.Query(stmt).Exec(); err != nil {
			return trace.ConnectionProblem(err, "creating table")
		}
	}
	return nil
}

// Name implements storage.Provider.
func (p *Provider) Name() string { return "cassandra" }

// Priority implements storage.Provider.
func (p *Provider) Priority() int { return storage.PriorityCassandra }

// Available probes the cluster with a system-table read.
func (p *Provider) Available(ctx context.Context) bool {
	err := p.session.Query(`SELECT release_version FROM system.local`).
		WithContext(ctx).Scan(new(string))
	if err != nil {
		log.DebugContext(ctx, "Cassandra probe failed", "error", err)
		return false
	}
	return true
}

// Close implements storage.Provider.
func (p *Provider) Close() error {
	p.session.Close()
	return nil
}

func (p *Provider) Services() storage.ServiceRegistrationRepository { return p.services }
func (p *Provider) ApiKeys() storage.ApiKeyRepository               { return p.apiKeys }
func (p *Provider) SigningKeys() storage.SigningKeyRepository       { return p.signingKeys }
func (p *Provider) TranslationConfigs() storage.TranslationConfigRepository {
	return p.translations
}
func (p *Provider) Roles() storage.RoleRepository   { return p.roles }
func (p *Provider) Groups() storage.GroupRepository { return p.groups }

// Volatile ports fall to Redis or memory.
func (p *Provider) Sessions() storage.SessionRepository                 { return nil }
func (p *Provider) PkceChallenges() storage.PkceChallengeRepository     { return nil }
func (p *Provider) FailedAttempts() storage.FailedAttemptRepository     { return nil }
func (p *Provider) TokenRevocations() storage.TokenRevocationRepository { return nil }
func (p *Provider) Cache() storage.KVCache                              { return nil }
func (p *Provider) RevocationBus() storage.RevocationBus                { return nil }

// convertError maps gocql errors to trace classes.
func convertError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, gocql.ErrNotFound) {
		return trace.NotFound("record not found")
	}
	return trace.ConnectionProblem(err, "cassandra operation failed")
}
