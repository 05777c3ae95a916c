// Entrypoint for the Persistence Worker Pool (spec.md §4.6), wired the
// same way as cmd/inferenceworker/main.go: a service.ServiceGroup
// supervising a pool of independent Task Broker consumers, sized by
// Postgres connection-pool capacity rather than GPU/CPU capacity (spec
// §5, "Worker pools are sized independently").
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
	"github.com/suleymanmyradov/completion-server/internal/gateway"
	"github.com/suleymanmyradov/completion-server/internal/persistworker"
	"github.com/suleymanmyradov/completion-server/internal/svctoken"
)

var configFile = flag.String("f", "etc/persistworker.yaml", "the config file")

type workerService struct {
	w      *persistworker.Worker
	cancel context.CancelFunc
}

func newWorkerService(w *persistworker.Worker) *workerService {
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

	signer := svctoken.New(c.ServiceToken.Secret, c.ServiceToken.TTL)
	brk := broker.New(redisClient, signer, "persistworker")

	gw, err := gateway.New(c.Postgres, c.Redis)
	if err != nil {
		panic(err)
	}
	defer gw.Close()

	group := service.NewServiceGroup()
	defer group.Stop()

	poolSize := c.PoolSize
	if poolSize <= 0 {
		poolSize = 1
	}
	for i := 0; i < poolSize; i++ {
		w := persistworker.New(brk, gw, c.Persistence.MaxRetries, c.Persistence.RetryBaseDelay)
		if _, err := brk.ReclaimStale(context.Background(), broker.QueuePersist, w.ID); err != nil {
			fmt.Printf("persistworker: reclaim stale for %s: %v\n", w.ID, err)
		}
		group.Add(newWorkerService(w))
	}

	fmt.Printf("Starting persistence worker pool (%d workers)...\n", poolSize)
	group.Start()
}
