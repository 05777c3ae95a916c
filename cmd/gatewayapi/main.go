// Code in the style of the teacher's goctl-scaffolded entrypoints (see
// services/gateway/growth/growthapi.go), extended past a single
// `rest.MustNewServer` + `handler.RegisterHandlers` pair into the full
// set of collaborators spec.md §4 describes: the Session Cache and its
// reaper, the Connection Registry, the Task Broker, and the Request
// Orchestrator that ties them together.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/redis/go-redis/v9"
	"github.com/zeromicro/go-zero/core/conf"
	"github.com/zeromicro/go-zero/core/logx"
	"github.com/zeromicro/go-zero/core/threading"
	"github.com/zeromicro/go-zero/rest"

	"github.com/suleymanmyradov/completion-server/internal/analytics"
	"github.com/suleymanmyradov/completion-server/internal/authsession"
	"github.com/suleymanmyradov/completion-server/internal/broker"
	"github.com/suleymanmyradov/completion-server/internal/config"
	"github.com/suleymanmyradov/completion-server/internal/connregistry"
	"github.com/suleymanmyradov/completion-server/internal/contextindex"
	"github.com/suleymanmyradov/completion-server/internal/gateway"
	"github.com/suleymanmyradov/completion-server/internal/orchestrator"
	"github.com/suleymanmyradov/completion-server/internal/svctoken"
	"github.com/suleymanmyradov/completion-server/internal/tokencache"
)

var configFile = flag.String("f", "etc/gatewayapi.yaml", "the config file")

func main() {
	flag.Parse()

	var c config.GatewayConfig
	conf.MustLoad(*configFile, &c)

	redisClient := redis.NewClient(&redis.Options{
		Addr: c.RedisStore.Addr, Password: c.RedisStore.Password,
		DB: c.RedisStore.DB, DialTimeout: c.RedisStore.DialTimeout,
	})
	tokencache.EnableKeyspaceNotifications(context.Background(), redisClient)

	cacheStore, err := tokencache.New(redisClient, tokencache.Config{
		AuthTokenTTL: c.TokenTTLs.AuthTokenTTL, SessionTokenTTL: c.TokenTTLs.SessionTokenTTL,
		VerificationTokenTTL: c.TokenTTLs.VerificationTokenTTL, ResetTokenTTL: c.TokenTTLs.ResetTokenTTL,
		ExpirationSafetyMargin: c.TokenTTLs.ExpirationSafetyMargin,
	})
	if err != nil {
		logx.Must(err)
	}

	gw, err := gateway.New(c.Postgres, c.Redis)
	if err != nil {
		logx.Must(err)
	}
	defer gw.Close()

	var idx *contextindex.Index
	idx, err = contextindex.New(contextindex.Config{
		Enabled: c.ContextIndex.Enabled, Host: c.ContextIndex.Host,
		MasterKey: c.ContextIndex.MasterKey, TopK: c.ContextIndex.TopK,
	})
	if err != nil {
		// The supplemental relevance index is not on the hot path; a
		// deployment without Meilisearch should still serve completions.
		logx.Errorf("gatewayapi: context index disabled: %v", err)
		idx = nil
	}

	registry := connregistry.New(func(connID string, reason connregistry.DropReason) {
		logx.Infof("gatewayapi: connection %s dropped (%s)", connID, reason)
	})

	sink := cascadeSink{registry: registry, gw: gw, idx: idx}
	authMgr := authsession.New(cacheStore, sink)

	reaper := tokencache.NewReaper(redisClient, cacheStore, sink, c.RedisStore.DB)
	reaperCtx, cancelReaper := context.WithCancel(context.Background())
	defer cancelReaper()
	threading.GoSafe(func() { reaper.Run(reaperCtx) })

	signer := svctoken.New(c.ServiceToken.Secret, c.ServiceToken.TTL)
	brk := broker.New(redisClient, signer, "gatewayapi")

	analyticsSink := analytics.New(brk, c.Persistence.QueueHardCap)
	orch := orchestrator.New(registry, cacheStore, authMgr, brk, analyticsSink, idx, c.Dispatch, c.Inference)

	srv := &server{
		auth: authMgr, cache: cacheStore, registry: registry, orch: orch,
		upgrader: websocket.Upgrader{
			ReadBufferSize: 4096, WriteBufferSize: 4096,
			HandshakeTimeout: 10 * time.Second,
			CheckOrigin:      func(r *http.Request) bool { return true },
		},
		cookieSecure: true,
	}

	restServer := rest.MustNewServer(c.RestConf, rest.WithCors("*"))
	defer restServer.Stop()

	restServer.AddRoutes([]rest.Route{
		{Method: http.MethodGet, Path: "/v1/session", Handler: srv.acquireSession},
		{Method: http.MethodGet, Path: "/v1/session/project", Handler: srv.activateProject},
		{Method: http.MethodPut, Path: "/v1/session", Handler: srv.deactivateSession},
		{Method: http.MethodGet, Path: "/v1/ws", Handler: srv.serveWS},
	})

	fmt.Printf("Starting gateway server at %s:%d...\n", c.Host, c.Port)
	restServer.Start()
}
