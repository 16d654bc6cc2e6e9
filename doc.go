// Package jrpc implements a JSON-RPC 2.0 request/response and
// publish/subscribe engine served over HTTP and WebSocket.
//
// Methods and subscriptions are registered on a Registry before the server
// starts; the registry is frozen on start and read without locks afterwards.
// Plain HTTP requests follow the one-body-in one-body-out path. WebSocket
// connections stay open and multiplex ordinary responses with asynchronous
// subscription notifications on one socket, distinguished by the presence of
// an id.
//
// Example:
//
//	registry := jrpc.NewRegistry()
//
//	err := registry.RegisterMethod("add", func(ctx context.Context, params json.RawMessage) (interface{}, error) {
//		var args []float64
//		if err := json.Unmarshal(params, &args); err != nil {
//			return nil, jrpc.NewError(jrpc.CodeInvalidParams, "expected an array of numbers")
//		}
//		sum := 0.0
//		for _, v := range args {
//			sum += v
//		}
//		return sum, nil
//	})
//	if err != nil {
//		log.Fatal(err)
//	}
//
//	err = registry.RegisterSubscription("subscribe_numbers", "numbers", "unsubscribe_numbers",
//		func(ctx context.Context, params json.RawMessage, sub *jrpc.Subscription) error {
//			go func() {
//				for i := 1; ; i++ {
//					select {
//					case <-sub.Done():
//						return
//					case <-time.After(time.Second):
//						_ = sub.Notify(ctx, i)
//					}
//				}
//			}()
//			return nil
//		})
//	if err != nil {
//		log.Fatal(err)
//	}
//
//	server := jrpc.NewServer(registry,
//		jrpc.UseRateLimit(100, 20),
//		jrpc.UseRequestTimeout(30*time.Second),
//	)
//	if err := server.Run(context.Background(), ":8080"); err != nil {
//		log.Fatal(err)
//	}
package jrpc
