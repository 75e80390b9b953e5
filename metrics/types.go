package metrics

// Policy defines how samples of one series are combined.
type Policy int

const (
	Policy_None      Policy = iota // no aggregation declared
	Policy_Set                     // last value wins
	Policy_Sum                     // values are summed
	Policy_Avg                     // running mean
	Policy_Max                     // maximum
	Policy_Min                     // minimum
	Policy_Stopwatch               // mean duration in milliseconds
)

// Value is a metric sample.
type Value float64

// Dimension holds the labels of a series.
type Dimension map[string]string

// GroupRealtinet groups every metric emitted by this module.
const GroupRealtinet = "realtinet"

// Metric names. The comment lists the dimensions each one is reported with.
const (
	// NameConnEstablishedTotal counts connections that reached Connected. dimension:role
	NameConnEstablishedTotal = "conn_established_total"
	// NameConnClosedTotal counts close sequences by trigger. dimension:cause
	NameConnClosedTotal = "conn_closed_total"
	// NameConnActive is the number of live connections in the process.
	NameConnActive = "conn_active"

	// NameDatagramRecvTotal counts datagrams read from connection sockets.
	NameDatagramRecvTotal = "datagram_recv_total"
	// NameDatagramSendTotal counts datagrams written to connection sockets.
	NameDatagramSendTotal = "datagram_send_total"
	// NameDatagramRecvBytes and NameDatagramSendBytes count payload bytes on the wire.
	NameDatagramRecvBytes = "datagram_recv_bytes"
	NameDatagramSendBytes = "datagram_send_bytes"
	// NameDatagramDropTotal counts outbound payloads discarded. dimension:reason
	NameDatagramDropTotal = "datagram_drop_total"

	// NameSendBackpressureTotal counts sends accepted while CanSend was false.
	NameSendBackpressureTotal = "send_backpressure_total"
	// NamePendingOutputMax is the largest engine pending-output depth observed.
	NamePendingOutputMax = "pending_output_max"
	// NameChunkSizeAvg is the mean size of reassembled application chunks.
	NameChunkSizeAvg = "chunk_size_avg_bytes"
	// NameSessionTickMS is the duration of one engine tick plus flush.
	NameSessionTickMS = "session_tick_ms"

	// NameAcceptTotal counts peers admitted by a server.
	NameAcceptTotal = "accept_total"
	// NameAcceptRejectTotal counts new peers refused. dimension:reason
	NameAcceptRejectTotal = "accept_reject_total"

	// NameCodecDecodeErrorTotal counts frames the protobuf codec could not decode.
	NameCodecDecodeErrorTotal = "codec_decode_error_total"
	// NameDispatchTotal counts messages handed to a registered handler.
	NameDispatchTotal = "dispatch_total"
	// NameDispatchDropTotal counts decoded messages that never reached a handler. dimension:reason
	NameDispatchDropTotal = "dispatch_drop_total"

	// NamePoolCreateTotal counts objects a pool had to allocate. dimension:poolname
	NamePoolCreateTotal = "pool_create_total"
)

// Dimension keys.
const (
	DimRole     = "role"
	DimCause    = "cause"
	DimReason   = "reason"
	DimPoolName = "poolname"
)
