// Package config loads declarative table policies.
//
// # Overview
//
// A policy file names one or more tables and, for each, the chains and rules
// it should contain. Files are HCL; files ending in .json use HCL's JSON
// syntax. Loading only parses. [Config.Validate] checks names and policies,
// and [TableConfig.Stage] turns a table block into pending changes on a
// [table.Table], to be committed by the caller.
//
// # Blocks
//
//   - table: one x_tables table ("filter", "nat", "mangle", "raw", "security")
//   - chain: a built-in chain (policy may be set) or a user chain
//   - rule: selectors, matches and one target, in chain order
//   - match: an extension match with its options
//
// Example:
//
//	table "filter" {
//	    family = "ipv4"
//	    prune  = true
//
//	    chain "INPUT" {
//	        policy = "DROP"
//
//	        rule {
//	            in_interface = "lo"
//	            target       = "ACCEPT"
//	        }
//	        rule {
//	            protocol = "udp"
//	            match "udp" {
//	                options = { dport = 53 }
//	            }
//	            target = "dns"
//	        }
//	    }
//
//	    chain "dns" {
//	        rule {
//	            source  = "10.0.0.0/8"
//	            comment = "internal resolvers"
//	            target  = "ACCEPT"
//	        }
//	        rule {
//	            match "limit" {
//	                options = { limit = "5/min", limit_burst = 10 }
//	            }
//	            target         = "LOG"
//	            target_options = { log_prefix = "dns-drop: " }
//	        }
//	    }
//	}
//
// Option keys may use underscores in place of dashes. Option values may be
// strings, numbers or booleans; they are converted to strings and parsed by
// the extension's codec, so dport = 53 and dport = "1000:2000" both work.
//
// # Staging
//
// Staging is declarative per chain: every chain named in the file is flushed
// and refilled with its rules. Chains not named are left alone unless the
// table sets prune, in which case unnamed user chains are deleted.
package config
