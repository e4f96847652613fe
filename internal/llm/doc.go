// Package llm contains the provider-neutral contract for invoking large
// language models. Routing classification and reply generation both go
// through Client so providers can be swapped by configuration.
package llm
