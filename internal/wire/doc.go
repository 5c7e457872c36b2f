// Package wire encodes updates and session control messages in the
// protobuf wire format. Encoding is hand-rolled on protowire so the byte
// layout is fixed: fields are written in field-number order and vector
// clock entries are sorted by participant ID, which makes id, kind and
// clock round-trip byte-identically across replicas.
package wire
