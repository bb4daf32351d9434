/*
 * CrowdPM
 * Copyright (C) 2026  CrowdPM, Inc.
 *
 * This program is free software: you can redistribute it and/or modify
 * it under the terms of the GNU Affero General Public License as published by
 * the Free Software Foundation, either version 3 of the License, or
 * (at your option) any later version.
 *
 * This program is distributed in the hope that it will be useful,
 * but WITHOUT ANY WARRANTY; without even the implied warranty of
 * MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
 * GNU Affero General Public License for more details.
 *
 * You should have received a copy of the GNU Affero General Public License
 * along with this program.  If not, see <http://www.gnu.org/licenses/>.
 */

// Command crowdpmd runs the device trust service: pairing, token issuance
// and the ingest admission gateway.
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"cloud.google.com/go/firestore"
	"cloud.google.com/go/pubsub/v2"
	"cloud.google.com/go/storage"
	"github.com/gravitational/trace"
	"github.com/redis/go-redis/v9"

	"github.com/crowdpm/crowdpm/lib/blob"
	"github.com/crowdpm/crowdpm/lib/config"
	"github.com/crowdpm/crowdpm/lib/devices"
	"github.com/crowdpm/crowdpm/lib/dpop"
	"github.com/crowdpm/crowdpm/lib/eventbus"
	"github.com/crowdpm/crowdpm/lib/ingest"
	"github.com/crowdpm/crowdpm/lib/pairing"
	"github.com/crowdpm/crowdpm/lib/service"
	"github.com/crowdpm/crowdpm/lib/storage/crowdfirestore"
	"github.com/crowdpm/crowdpm/lib/storage/redisreplay"
	"github.com/crowdpm/crowdpm/lib/tokens"
)

func main() {
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stderr, nil)))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx); err != nil {
		slog.Error("service exited", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context) error {
	cfg, err := config.FromEnv()
	if err != nil {
		return trace.Wrap(err)
	}

	firestoreClient, err := firestore.NewClient(ctx, cfg.ProjectID)
	if err != nil {
		return trace.Wrap(err, "connecting to Firestore")
	}
	defer firestoreClient.Close()

	storageClient, err := storage.NewClient(ctx)
	if err != nil {
		return trace.Wrap(err, "connecting to Cloud Storage")
	}
	defer storageClient.Close()

	pubsubClient, err := pubsub.NewClient(ctx, cfg.ProjectID)
	if err != nil {
		return trace.Wrap(err, "connecting to Pub/Sub")
	}
	defer pubsubClient.Close()

	backend, err := crowdfirestore.New(crowdfirestore.Config{Client: firestoreClient})
	if err != nil {
		return trace.Wrap(err)
	}

	var replay dpop.ReplayStore
	if cfg.RedisAddr != "" {
		redisClient := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		defer redisClient.Close()
		if err := redisClient.Ping(ctx).Err(); err != nil {
			return trace.Wrap(err, "connecting to Redis")
		}
		replay, err = redisreplay.New(redisClient)
		if err != nil {
			return trace.Wrap(err)
		}
	} else {
		replay = dpop.NewMemoryReplayStore(nil)
	}

	issuer, err := tokens.NewIssuer(tokens.IssuerConfig{
		SigningKey:      cfg.SigningKey,
		RegistrationTTL: cfg.RegistrationTokenTTL,
		AccessTTL:       cfg.AccessTokenTTL,
	})
	if err != nil {
		return trace.Wrap(err)
	}
	verifier, err := dpop.NewVerifier(dpop.VerifierConfig{
		Replay:  replay,
		MaxSkew: cfg.DPoPMaxSkew,
		MaxAge:  cfg.DPoPMaxAge,
	})
	if err != nil {
		return trace.Wrap(err)
	}
	registry, err := devices.NewRegistry(devices.RegistryConfig{Store: backend})
	if err != nil {
		return trace.Wrap(err)
	}
	coordinator, err := pairing.NewCoordinator(pairing.CoordinatorConfig{
		Sessions:        backend,
		Registry:        registry,
		Tokens:          issuer,
		Proofs:          verifier,
		VerificationURI: cfg.VerificationURI,
		SessionTTL:      cfg.PairingSessionTTL,
	})
	if err != nil {
		return trace.Wrap(err)
	}

	blobs, err := blob.NewGCSStore(storageClient, cfg.IngestBucket)
	if err != nil {
		return trace.Wrap(err)
	}
	events, err := eventbus.NewPubSubPublisher(ctx, eventbus.PubSubConfig{
		Client:    pubsubClient,
		ProjectID: cfg.ProjectID,
		Topic:     cfg.IngestTopic,
	})
	if err != nil {
		return trace.Wrap(err)
	}
	gateway, err := ingest.NewGateway(ingest.GatewayConfig{
		Tokens:   issuer,
		Proofs:   verifier,
		Registry: registry,
		Batches:  backend,
		Blobs:    blobs,
		Events:   events,
	})
	if err != nil {
		return trace.Wrap(err)
	}

	server, err := service.NewAPIServer(service.APIServerConfig{
		Pairing:  coordinator,
		Ingest:   gateway,
		Registry: registry,
		Tokens:   issuer,
		Proofs:   verifier,
	})
	if err != nil {
		return trace.Wrap(err)
	}
	return trace.Wrap(server.Run(ctx, cfg.ListenAddr))
}
