// Package schema defines the data structures exchanged between the overseer
// authority, dependent services and operator tooling.
//
// Everything in this package is plain data: JSON tags describe the HTTP and
// TCP wire shape, CBOR tags describe the stored shape. Behaviour lives in the
// internal packages that own each record.
package schema
