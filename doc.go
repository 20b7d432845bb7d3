// Copyright 2025 Google LLC
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

/*
Package streamrow is the transport-agnostic core of a client for streaming
tabular data services.

The read path consumes a server-streamed sequence of [PartialResult] messages,
reassembles them into typed [Row] values, and makes an interrupted stream
resumable: a transient RPC failure is retried by re-issuing the stream from the
last resume token the server acknowledged, and rows are delivered to the caller
exactly once regardless of how often the stream is restarted. Use
[NewRowIterator] with a [StreamFactory] that issues the underlying RPC.

The write path drives a batch of independent row mutations to completion over a
streaming "mutate rows" RPC. [BulkWriter.Apply] matches per-mutation results
back to their original positions, resubmits only mutations that failed
transiently and are safe to retry, and reports a per-mutation error slice for
everything that never succeeded. Throughput is governed by a [Limiter] that the
server can retune through rate-limit feedback in responses.

The package does not dial connections or construct stubs; callers supply
factories that issue the underlying RPCs. Errors are reported as gRPC status
errors throughout.
*/
package streamrow // import "github.com/streamrow/streamrow"
