// Copyright (C) MongoDB, Inc. 2024-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

// Package failpoint configures server fail points so integration tests can
// make the admin commands behind a topology scan fail on demand.
package failpoint

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/v2/mongo"
)

const (
	// ModeAlwaysOn is the fail point mode that enables the fail point for an
	// indefinite number of matching commands.
	ModeAlwaysOn = "alwaysOn"

	// ModeOff is the fail point mode that disables the fail point.
	ModeOff = "off"
)

// FailPoint is used to configure a server fail point. It is intended to be
// passed as the command argument to RunCommand.
//
// For more information about fail points, see
// https://github.com/mongodb/specifications/tree/HEAD/source/transactions/tests#server-fail-point
type FailPoint struct {
	ConfigureFailPoint string `bson:"configureFailPoint"`
	// Mode is either a string mode or Mode.
	Mode any  `bson:"mode"`
	Data Data `bson:"data"`
}

// Mode limits how many matching commands the fail point applies to.
type Mode struct {
	Times int32 `bson:"times"`
	Skip  int32 `bson:"skip,omitempty"`
}

// Data configures how a fail point will behave.
type Data struct {
	FailCommands    []string `bson:"failCommands,omitempty"`
	CloseConnection bool     `bson:"closeConnection,omitempty"`
	ErrorCode       int32    `bson:"errorCode,omitempty"`
	BlockConnection bool     `bson:"blockConnection,omitempty"`
	BlockTimeMS     int32    `bson:"blockTimeMS,omitempty"`
	AppName         string   `bson:"appName,omitempty"`
}

// TeardownFunc disables a fail point.
type TeardownFunc func(t *testing.T)

// Enable sets a fail point through client. The returned TeardownFunc turns it
// off again.
func Enable(t *testing.T, client *mongo.Client, fp FailPoint) TeardownFunc {
	t.Helper()

	admin := client.Database("admin")
	require.NoError(t, admin.RunCommand(context.Background(), fp).Err(), "error enabling failpoint")

	return func(t *testing.T) {
		t.Helper()

		cmd := FailPoint{
			ConfigureFailPoint: fp.ConfigureFailPoint,
			Mode:               ModeOff,
		}

		require.NoError(t, admin.RunCommand(context.Background(), cmd).Err(), "error disabling failpoint")
	}
}

// NewAlwaysOnErr fails every cmdName with errCode until disabled.
func NewAlwaysOnErr(cmdName string, errCode int32) FailPoint {
	return FailPoint{
		ConfigureFailPoint: "failCommand",
		Mode:               ModeAlwaysOn,
		Data: Data{
			FailCommands: []string{cmdName},
			ErrorCode:    errCode,
		},
	}
}

// NewTimesErr fails the next n executions of cmdName with errCode.
func NewTimesErr(cmdName string, errCode int32, n int32) FailPoint {
	return FailPoint{
		ConfigureFailPoint: "failCommand",
		Mode:               Mode{Times: n},
		Data: Data{
			FailCommands: []string{cmdName},
			ErrorCode:    errCode,
		},
	}
}

// NewCloseConnection closes the connection on the next n executions of
// cmdName, which the driver surfaces as a network error.
func NewCloseConnection(cmdName string, n int32) FailPoint {
	return FailPoint{
		ConfigureFailPoint: "failCommand",
		Mode:               Mode{Times: n},
		Data: Data{
			FailCommands:    []string{cmdName},
			CloseConnection: true,
		},
	}
}
