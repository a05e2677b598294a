// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package config loads and validates the jirafs configuration file.
//
// Configuration is loaded from a single YAML file specified by the
// JIRAFS_CONFIG environment variable or an explicit path. There are no
// automatic discovery fallbacks: this keeps configuration deterministic
// and auditable.
package config
