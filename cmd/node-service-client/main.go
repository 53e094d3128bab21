// Command node-service-client is a demo consumer of node-service-server:
// it subscribes to the replicated "counter" SharedObject, prints every
// update it receives, and calls the "echo" RPC endpoint once a second.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/azuliani/node-service/internal/delta"
	"github.com/azuliani/node-service/internal/multiplex"
	"github.com/azuliani/node-service/internal/protocol"
	"github.com/azuliani/node-service/internal/schemaresolve"
	"github.com/azuliani/node-service/internal/sharedobject"
	"github.com/azuliani/node-service/internal/transport"
)

const counterSchemaJSON = `{
  "type": "object",
  "properties": {
    "value": {"type": "number"},
    "lastUpdated": {"type": "string", "format": "date-time"}
  },
  "required": ["value", "lastUpdated"]
}`

const echoInputSchemaJSON = `{"type": "object", "properties": {"message": {"type": "string"}}, "required": ["message"]}`
const echoOutputSchemaJSON = `{"type": "object", "properties": {"message": {"type": "string"}}, "required": ["message"]}`
const notificationSchemaJSON = `{"type": "object", "properties": {"text": {"type": "string"}}, "required": ["text"]}`
const jobSchemaJSON = `{"type": "object", "properties": {"id": {"type": "number"}}, "required": ["id"]}`

func main() {
	var url string
	flag.StringVar(&url, "url", "ws://localhost:3002/ws", "server websocket url")
	flag.Parse()

	logger := log.New(os.Stdout, "[node-service-client] ", log.LstdFlags)

	counterSchema, err := schemaresolve.Compile(json.RawMessage(counterSchemaJSON))
	if err != nil {
		log.Fatalf("compiling counter schema: %v", err)
	}

	// Mirrors the server's descriptor so the "_descriptor" RPC check in
	// multiplex.Client can catch a client/server version drift before any
	// endpoint traffic flows.
	descriptor, err := protocol.NewDescriptor(
		protocol.DescriptorEndpoint{Name: "counter", Kind: protocol.KindSharedObject, ObjectSchema: json.RawMessage(counterSchemaJSON)},
		protocol.DescriptorEndpoint{Name: "echo", Kind: protocol.KindRPC, InputSchema: json.RawMessage(echoInputSchemaJSON), OutputSchema: json.RawMessage(echoOutputSchemaJSON)},
		protocol.DescriptorEndpoint{Name: "notifications", Kind: protocol.KindPubSub, MessageSchema: json.RawMessage(notificationSchemaJSON)},
		protocol.DescriptorEndpoint{Name: "jobs", Kind: protocol.KindPushPull, MessageSchema: json.RawMessage(jobSchemaJSON)},
	)
	if err != nil {
		log.Fatalf("building descriptor: %v", err)
	}
	descriptorHash, err := descriptor.Hash()
	if err != nil {
		log.Fatalf("hashing descriptor: %v", err)
	}

	mx := multiplex.NewClient(url, transport.Dial, logger, 5*time.Second, multiplex.ClientEvents{
		OnConnected:    func() { logger.Printf("connected") },
		OnDisconnected: func() { logger.Printf("disconnected") },
		OnError:        func(err error) { logger.Printf("transport error: %v", err) },
	}, descriptorHash)

	mx.RegisterMessageHandler("notifications", func(message json.RawMessage) {
		logger.Printf("notification: %s", message)
	})
	mx.RegisterMessageHandler("jobs", func(message json.RawMessage) {
		logger.Printf("job: %s", message)
	})

	counter := sharedobject.NewClient("counter", counterSchema, mx, 5*time.Second, sharedobject.Events{
		OnInit:   func(v uint64) { logger.Printf("counter init at v=%d", v) },
		OnUpdate: func(d delta.Delta) { logger.Printf("counter update: %d ops", len(d)) },
	}, logger, nil)
	mx.RegisterSharedObjectHandler("counter", counter)

	ctx, cancel := context.WithCancel(context.Background())
	go mx.Run(ctx)

	if err := mx.Sub("notifications"); err != nil {
		logger.Printf("sub notifications failed: %v", err)
	}
	if err := mx.Sub("jobs"); err != nil {
		logger.Printf("sub jobs failed: %v", err)
	}

	go func() {
		if _, data, err := counter.Subscribe(); err != nil {
			logger.Printf("subscribe failed: %v", err)
		} else {
			logger.Printf("initial counter state: %v", data)
		}
	}()

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	go func() {
		for range ticker.C {
			rpcCtx, rpcCancel := context.WithTimeout(context.Background(), 2*time.Second)
			input, _ := json.Marshal(map[string]string{"message": "ping"})
			res, err := mx.RPC(rpcCtx, "echo", input)
			rpcCancel()
			if err != nil {
				logger.Printf("echo rpc failed: %v", err)
				continue
			}
			logger.Printf("echo response: %s", res)

			if view, err := counter.Data(); err == nil {
				logger.Printf("counter snapshot: %v", view.Data())
			}
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	counter.Close()
	cancel()
	mx.Wait()
}
