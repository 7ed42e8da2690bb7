// Package pfm implements the PFM (Portable File for Models) document
// format: a self-describing, append-friendly text container for
// structured agent and model output (primary content, reasoning, tool
// calls, metadata).
//
// A .pfm file is line-oriented UTF-8 text:
//
//	#!PFM/1.0                    magic line (version, optional :STREAM flag)
//	#@meta                       metadata block, one "key: value" per line
//	#@index                      byte-offset index for O(1) section access
//	<name> <offset> <length>
//	#@<section_name>             content sections, body verbatim
//	<content>
//	#!END                        end-of-file marker
//
// The package offers two read paths: Decode materialises the whole
// document, while Handle parses only the header region and slices
// section bytes directly through the index. StreamWriter appends one
// section at a time, keeping the file parseable even if the writing
// process dies before Close; the index is then written at the end of
// the stream and recovered by scanning backward from EOF.
//
// The integrity layer provides a SHA-256 content checksum, HMAC-SHA256
// signing over a canonical message, and password-based AES-256-GCM
// encryption of whole documents.
package pfm
