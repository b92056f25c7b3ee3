package protocol

// CodecFor selects the cluster-wide wire encoding. customMode selects the
// compact binary codec; otherwise the JSON textual codec is used. Every
// replica and client in a cluster must agree on this choice.
func CodecFor(customMode bool) Codec {
	if customMode {
		return BinaryCodec{}
	}
	return JSONCodec{}
}
