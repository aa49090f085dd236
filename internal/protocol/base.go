// Copyright (C) 2026 LazyAF
// SPDX-License-Identifier: AGPL-3.0-or-later

package protocol

import "github.com/lazyaf/lazyaf/internal/common"

// Metadata is re-exported from common so that wire types can embed it
// without importing common directly.
type Metadata = common.Metadata

// Event is re-exported from common.
type Event = common.Event

// CurrentProtocolVersion is re-exported from common.
const CurrentProtocolVersion = common.CurrentProtocolVersion
