// Package request provides typed queries on top of the messaging Gateway.
//
// Each Handler method builds a ClientRequest, sends it to the request or
// administrative queue and decodes the final reply. Requests for many ids
// are split into chunks that run in parallel and are merged back in order.
package request
