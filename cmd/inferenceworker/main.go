// Code in the style of the teacher's goctl-scaffolded rpc entrypoints
// (services/microservices/client/rpc/client.go's flag/conf.MustLoad/
// server-start shape), adapted from a single zrpc.Server into a pool of
// independent Task Broker consumers, the way
// evalgo-org-eve/worker/pool.go sizes a worker pool per queue.
package main

import (
	"context"
	"flag"
	"fmt"

	"github.com/redis/go-redis/v9"
	"github.com/zeromicro/go-zero/core/conf"
	"github.com/zeromicro/go-zero/core/service"

	"github.com/suleymanmyradov/completion-server/internal/broker"
	"github.com/suleymanmyradov/completion-server/internal/config"
	"github.com/suleymanmyradov/completion-server/internal/inferenceworker"
	"github.com/suleymanmyradov/completion-server/internal/svctoken"
	"github.com/suleymanmyradov/completion-server/internal/tokencache"
)

var configFile = flag.String("f", "etc/inferenceworker.yaml", "the config file")

// workerService adapts a *inferenceworker.Worker's blocking Run loop to
// go-zero's service.Service interface so a pool of them can be
// supervised by one service.ServiceGroup.
type workerService struct {
	w      *inferenceworker.Worker
	cancel context.CancelFunc
}

func newWorkerService(w *inferenceworker.Worker) *workerService {
	return &workerService{w: w}
}

func (s *workerService) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.w.Run(ctx)
}

func (s *workerService) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
}

func main() {
	flag.Parse()

	var c config.WorkerConfig
	conf.MustLoad(*configFile, &c)

	redisClient := redis.NewClient(&redis.Options{
		Addr: c.RedisStore.Addr, Password: c.RedisStore.Password,
		DB: c.RedisStore.DB, DialTimeout: c.RedisStore.DialTimeout,
	})

	cacheStore, err := tokencache.New(redisClient, tokencache.Config{
		AuthTokenTTL: c.TokenTTLs.AuthTokenTTL, SessionTokenTTL: c.TokenTTLs.SessionTokenTTL,
		VerificationTokenTTL: c.TokenTTLs.VerificationTokenTTL, ResetTokenTTL: c.TokenTTLs.ResetTokenTTL,
		ExpirationSafetyMargin: c.TokenTTLs.ExpirationSafetyMargin,
	})
	if err != nil {
		panic(err)
	}

	signer := svctoken.New(c.ServiceToken.Secret, c.ServiceToken.TTL)
	brk := broker.New(redisClient, signer, "inferenceworker")

	callable, err := inferenceworker.DialGRPCCallable(c.ModelEndpoint)
	if err != nil {
		panic(err)
	}
	defer callable.Close()
	redactor := inferenceworker.NewDefaultRedactor()

	group := service.NewServiceGroup()
	defer group.Stop()

	poolSize := c.PoolSize
	if poolSize <= 0 {
		poolSize = 1
	}
	for i := 0; i < poolSize; i++ {
		w := inferenceworker.New(brk, cacheStore, callable, redactor, c.Inference.PerWorkerConcurrency, c.Dispatch.PerModelTimeout)
		// Return anything left in flight under w.ID to the queue. w.ID is
		// a fresh random worker-id (inferenceworker.New's default), so this
		// list is empty here; envelopes left in flight by an earlier
		// process under its own worker-ids are not reclaimed.
		if _, err := brk.ReclaimStale(context.Background(), broker.QueueInference, w.ID); err != nil {
			fmt.Printf("inferenceworker: reclaim stale for %s: %v\n", w.ID, err)
		}
		group.Add(newWorkerService(w))
	}

	fmt.Printf("Starting inference worker pool (%d workers) against %s...\n", poolSize, c.ModelEndpoint)
	group.Start()
}
