// ABOUTME: btsink control protocol package
// ABOUTME: Defines protocol messages and the WebSocket client
// Package protocol implements the btsink control protocol.
//
// A control session is a WebSocket at /btsink carrying JSON messages. The
// client sends client/hello and receives server/hello, then issues
// client/request messages and receives server/response messages with the
// matching id. Device and scan notifications arrive as event messages at
// any time.
//
// Example:
//
//	client := protocol.NewClient(protocol.ClientConfig{ServerAddr: "localhost:8928"})
//	if err := client.Connect(ctx); err != nil {
//		return err
//	}
//	defer client.Close()
//	resp, err := client.Call(ctx, protocol.Request{Op: protocol.OpConnectDevice, DeviceID: "AA:BB:CC:DD:EE:FF"})
package protocol
