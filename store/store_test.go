// Copyright 2015 Comcast Cable Communications Management, LLC
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.
//
// End Copyright

package store

import (
	"database/sql"
	"regexp"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eventcore/rulesengine/core"
)

func newMockStore(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return OpenWithDB(sqlx.NewDb(db, "sqlmock")), mock
}

func eventCols() []string {
	return []string{"id", "external_id", "type", "payload", "state", "received_count",
		"created_at", "processing_started_at", "processed_at", "replayed_at"}
}

func TestIngestCreatesNewEvent(t *testing.T) {
	s, mock := newMockStore(t)
	ctx := core.NewContext("test")

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta("SELECT id, external_id, type, payload, state, received_count")).
		WithArgs("ext-1").
		WillReturnError(sql.ErrNoRows)
	mock.ExpectQuery(regexp.QuoteMeta("INSERT INTO events")).
		WithArgs("ext-1", "order.created", []byte(`{"a":1}`)).
		WillReturnRows(sqlmock.NewRows(eventCols()).
			AddRow(int64(1), "ext-1", "order.created", []byte(`{"a":1}`), "pending", 1, time.Now(), nil, nil, nil))
	mock.ExpectCommit()

	ev, err := s.Ingest(ctx, "ext-1", "order.created", core.JSON(`{"a":1}`))
	require.NoError(t, err)
	assert.Equal(t, int64(1), ev.ID)
	assert.Equal(t, core.EventPending, ev.State)
	assert.Equal(t, 1, ev.ReceivedCount)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestIngestRedeliveryBumpsReceivedCount(t *testing.T) {
	s, mock := newMockStore(t)
	ctx := core.NewContext("test")

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta("SELECT id, external_id, type, payload, state, received_count")).
		WithArgs("ext-1").
		WillReturnRows(sqlmock.NewRows(eventCols()).
			AddRow(int64(1), "ext-1", "order.created", []byte(`{"a":1}`), "processed", 1, time.Now(), nil, time.Now(), nil))
	mock.ExpectQuery(regexp.QuoteMeta("UPDATE events SET received_count = received_count + 1")).
		WithArgs(int64(1)).
		WillReturnRows(sqlmock.NewRows(eventCols()).
			AddRow(int64(1), "ext-1", "order.created", []byte(`{"a":1}`), "processed", 2, time.Now(), nil, time.Now(), nil))
	mock.ExpectCommit()

	ev, err := s.Ingest(ctx, "ext-1", "order.created", core.JSON(`{"a":1}`))
	require.NoError(t, err)
	assert.Equal(t, 2, ev.ReceivedCount)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestClaimNextReturnsNilWhenEmpty(t *testing.T) {
	s, mock := newMockStore(t)
	ctx := core.NewContext("test")

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta("FROM events")).
		WillReturnError(sql.ErrNoRows)
	mock.ExpectCommit()

	ev, attempt, err := s.ClaimNext(ctx)
	require.NoError(t, err)
	assert.Nil(t, ev)
	assert.Nil(t, attempt)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestClaimNextClaimsOldestPending(t *testing.T) {
	s, mock := newMockStore(t)
	ctx := core.NewContext("test")

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta("FROM events")).
		WillReturnRows(sqlmock.NewRows(eventCols()).
			AddRow(int64(7), "ext-7", "order.created", []byte(`{}`), "pending", 1, time.Now(), nil, nil, nil))
	mock.ExpectExec(regexp.QuoteMeta("UPDATE events SET state = 'processing'")).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery(regexp.QuoteMeta("INSERT INTO event_attempts")).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(int64(99)))
	mock.ExpectCommit()

	ev, attempt, err := s.ClaimNext(ctx)
	require.NoError(t, err)
	require.NotNil(t, ev)
	require.NotNil(t, attempt)
	assert.Equal(t, int64(7), ev.ID)
	assert.Equal(t, core.EventProcessing, ev.State)
	assert.Equal(t, int64(99), attempt.ID)
	assert.Equal(t, core.AttemptInFlight, attempt.Status)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestReplaySingleRejectsNonTerminalState(t *testing.T) {
	s, mock := newMockStore(t)
	ctx := core.NewContext("test")

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta("FROM events WHERE id = $1 FOR UPDATE")).
		WithArgs(int64(5)).
		WillReturnRows(sqlmock.NewRows(eventCols()).
			AddRow(int64(5), "ext-5", "order.created", []byte(`{}`), "processing", 1, time.Now(), time.Now(), nil, nil))
	mock.ExpectRollback()

	_, err := s.ReplaySingle(ctx, 5)
	require.Error(t, err)
	problem, ok := err.(core.Problem)
	require.True(t, ok)
	assert.Equal(t, core.KindConflict, problem.Kind())
}

func TestReplaySingleNotFound(t *testing.T) {
	s, mock := newMockStore(t)
	ctx := core.NewContext("test")

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta("FROM events WHERE id = $1 FOR UPDATE")).
		WithArgs(int64(404)).
		WillReturnError(sql.ErrNoRows)
	mock.ExpectRollback()

	_, err := s.ReplaySingle(ctx, 404)
	require.Error(t, err)
	problem, ok := err.(core.Problem)
	require.True(t, ok)
	assert.Equal(t, core.KindNotFound, problem.Kind())
}

func TestDedupExists(t *testing.T) {
	s, mock := newMockStore(t)
	ctx := core.NewContext("test")

	mock.ExpectQuery(regexp.QuoteMeta("SELECT EXISTS")).
		WithArgs(int64(1), int64(2)).
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))

	exists, err := s.DedupExists(ctx, 1, 2)
	require.NoError(t, err)
	assert.True(t, exists)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCreateRuleInsertsHeaderAndFirstVersion(t *testing.T) {
	s, mock := newMockStore(t)
	ctx := core.NewContext("test")

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta("INSERT INTO rules")).
		WithArgs("high-value-order", "order.created", true).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(int64(10)))
	mock.ExpectQuery(regexp.QuoteMeta("INSERT INTO rule_versions")).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(int64(20)))
	mock.ExpectExec(regexp.QuoteMeta("UPDATE rules SET current_version_id")).
		WithArgs(int64(20), int64(10)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()
	mock.ExpectQuery(regexp.QuoteMeta("FROM rules r JOIN rule_versions rv")).
		WithArgs(int64(10)).
		WillReturnRows(sqlmock.NewRows([]string{
			"id", "name", "event_type", "active", "current_version_id", "created_at", "updated_at",
			"rule_version_id", "condition", "action",
		}).AddRow(int64(10), "high-value-order", "order.created", true, int64(20), time.Now(), time.Now(),
			int64(20), []byte(`{"==":[1,1]}`), []byte(`{"tag":"noop"}`)))

	rule, err := s.CreateRule(ctx, "high-value-order", "order.created", true,
		core.JSON(`{"==":[1,1]}`), core.JSON(`{"tag":"noop"}`))
	require.NoError(t, err)
	assert.Equal(t, int64(10), rule.ID)
	assert.Equal(t, int64(20), rule.RuleVersionID)
	require.NoError(t, mock.ExpectationsWereMet())
}
