// Package contract holds the JSON wire types exchanged between the support
// gateway and the chat widget, along with contract tests that pin both the
// wire shapes and the database schema.
package contract
