// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

// Package uuid wraps go-uuid for callers that have no way to handle an
// entropy failure.
package uuid

import (
	"fmt"

	"github.com/hashicorp/go-uuid"
)

// Generate is used to generate a random UUID.
func Generate() string {
	guid, err := uuid.GenerateUUID()
	if err != nil {
		panic(fmt.Errorf("failed to generate uuid: %v", err))
	}
	return guid
}

// Short is used to generate the first eight characters of a UUID.
func Short() string {
	return Generate()[:8]
}
