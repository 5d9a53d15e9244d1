// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package appchannel is the message channel between the supervisor
// and a supervised application process.
//
// The supervisor creates a socketpair and passes one end to the child
// as file descriptor 3, advertised in DESKTHING_IPC_FD. Each direction
// carries a stream of CBOR-encoded [Message] values with no extra
// framing.
//
// Upward the child sends [TypeLog] lines and [TypeData] envelopes.
// Downward the supervisor sends [TypeAppData] envelopes addressed to
// the application. A Go application opens its end with [Open]:
//
//	channel, err := appchannel.Open()
//	if err != nil {
//		return err
//	}
//	defer channel.Close()
//	channel.Log("starting")
//	for {
//		message, err := channel.Receive()
//		...
//	}
package appchannel
