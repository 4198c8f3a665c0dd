// Package server is the middleware entry point of the streaming dispatch
// engine. A Handler matches request paths against a router.Registry by exact
// comparison, reads scalar parameters from the query string (and the request
// body for body-marked parameters), and dispatches matched requests to one of
// two connection drivers:
//
//   - WebSocket upgrades are driven by a pump pair: the outbound pump
//     serializes the method's sequence into n/e/c frames and performs the
//     close handshake; the inbound demux pump routes named peer frames onto
//     the method's stream parameters.
//   - Plain HTTP requests stream the sequence as chunked application/json
//     through a mutually-exclusive write scheduler, mapping termination to
//     200/204/500 or an in-band error body.
//
// Unmatched paths are delegated to the next handler in the host chain.
package server
