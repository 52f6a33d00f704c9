package store

// Statements mirror database/queries, one constant per named query

const (
	getCCPair = `-- name: GetCCPair :one
SELECT id, connector_id, credential_id, name, status, is_public, deletion_failure_message FROM connector_credential_pair WHERE id = $1`

	getCCPairByKey = `-- name: GetCCPairByKey :one
SELECT id, connector_id, credential_id, name, status, is_public, deletion_failure_message FROM connector_credential_pair
WHERE connector_id = $1 AND credential_id = $2`

	listCCPairs = `-- name: ListCCPairs :many
SELECT id, connector_id, credential_id, name, status, is_public, deletion_failure_message FROM connector_credential_pair ORDER BY id`

	setCCPairStatus = `-- name: SetCCPairStatus :execrows
UPDATE connector_credential_pair SET status = $2 WHERE id = $1`

	setCCPairDeletionFailure = `-- name: SetCCPairDeletionFailure :execrows
UPDATE connector_credential_pair SET deletion_failure_message = $2 WHERE id = $1`

	deleteCCPair = `-- name: DeleteCCPair :exec
DELETE FROM connector_credential_pair WHERE id = $1`

	countConnectorCCPairs = `-- name: CountConnectorCCPairs :one
SELECT COUNT(*) FROM connector_credential_pair WHERE connector_id = $1`

	deleteConnector = `-- name: DeleteConnector :exec
DELETE FROM connector WHERE id = $1`

	latestIndexAttempt = `-- name: LatestIndexAttempt :one
SELECT id, connector_credential_pair_id, status, time_created FROM index_attempt
WHERE connector_credential_pair_id = $1
ORDER BY time_created DESC, id DESC LIMIT 1`

	deleteIndexAttempts = `-- name: DeleteIndexAttempts :exec
DELETE FROM index_attempt WHERE connector_credential_pair_id = $1`

	getDocument = `-- name: GetDocument :one
SELECT id, semantic_id, boost, hidden, needs_sync, last_modified, last_synced
FROM document WHERE id = $1`

	countStaleDocuments = `-- name: CountStaleDocuments :one
SELECT COUNT(DISTINCT d.id) FROM document d
JOIN document_by_connector_credential_pair dcc ON dcc.id = d.id
WHERE d.needs_sync`

	staleDocumentIDs = `-- name: StaleDocumentIDs :many
SELECT d.id FROM document d
JOIN document_by_connector_credential_pair dcc ON dcc.id = d.id
WHERE dcc.connector_id = $1 AND dcc.credential_id = $2 AND d.needs_sync
ORDER BY d.id`

	documentIDsForCCPair = `-- name: DocumentIDsForCCPair :many
SELECT id FROM document_by_connector_credential_pair
WHERE connector_id = $1 AND credential_id = $2
ORDER BY id`

	documentSetNames = `-- name: DocumentSetNames :many
SELECT DISTINCT ds.name FROM document_set ds
JOIN document_set__connector_credential_pair dscc ON dscc.document_set_id = ds.id AND dscc.is_current
JOIN connector_credential_pair cc ON cc.id = dscc.connector_credential_pair_id
JOIN document_by_connector_credential_pair dcc
  ON dcc.connector_id = cc.connector_id AND dcc.credential_id = cc.credential_id
WHERE dcc.id = $1
  AND NOT (cc.connector_id IS NOT DISTINCT FROM $2::BIGINT AND cc.credential_id IS NOT DISTINCT FROM $3::BIGINT)
ORDER BY ds.name`

	documentAccess = `-- name: DocumentAccess :one
WITH pairs AS (
  SELECT cc.id, cc.is_public, cc.credential_id FROM connector_credential_pair cc
  JOIN document_by_connector_credential_pair dcc
    ON dcc.connector_id = cc.connector_id AND dcc.credential_id = cc.credential_id
  WHERE dcc.id = $1
    AND NOT (cc.connector_id IS NOT DISTINCT FROM $2::BIGINT AND cc.credential_id IS NOT DISTINCT FROM $3::BIGINT)
)
SELECT
  COALESCE(BOOL_OR(p.is_public), FALSE),
  COALESCE((SELECT ARRAY_AGG(DISTINCT c.user_email ORDER BY c.user_email) FROM credential c
            WHERE c.id IN (SELECT credential_id FROM pairs) AND c.user_email IS NOT NULL), '{}'),
  COALESCE((SELECT ARRAY_AGG(DISTINCT ug.name ORDER BY ug.name) FROM user_group ug
            JOIN user_group__connector_credential_pair ugcc ON ugcc.user_group_id = ug.id AND ugcc.is_current
            WHERE ugcc.cc_pair_id IN (SELECT id FROM pairs)), '{}')
FROM pairs p`

	markDocumentSynced = `-- name: MarkDocumentSynced :exec
UPDATE document SET needs_sync = FALSE, last_synced = NOW()
WHERE id = $1 AND last_modified <= $2`

	countDocumentCCPairs = `-- name: CountDocumentCCPairs :one
SELECT COUNT(*) FROM document_by_connector_credential_pair WHERE id = $1`

	deleteDocumentCCPairLink = `-- name: DeleteDocumentCCPairLink :exec
DELETE FROM document_by_connector_credential_pair
WHERE id = $1 AND connector_id = $2 AND credential_id = $3`

	unlinkDocuments = `-- name: UnlinkDocuments :exec
DELETE FROM document_by_connector_credential_pair WHERE id = ANY($1)`

	deleteDocuments = `-- name: DeleteDocuments :exec
DELETE FROM document WHERE id = ANY($1)`

	getDocumentSet = `-- name: GetDocumentSet :one
SELECT id, name, is_up_to_date FROM document_set WHERE id = $1`

	listOutdatedDocumentSets = `-- name: ListOutdatedDocumentSets :many
SELECT id, name, is_up_to_date FROM document_set WHERE NOT is_up_to_date ORDER BY id`

	documentIDsForDocumentSet = `-- name: DocumentIDsForDocumentSet :many
SELECT DISTINCT dcc.id FROM document_by_connector_credential_pair dcc
JOIN connector_credential_pair cc
  ON cc.connector_id = dcc.connector_id AND cc.credential_id = dcc.credential_id
JOIN document_set__connector_credential_pair dscc ON dscc.connector_credential_pair_id = cc.id
WHERE dscc.document_set_id = $1
ORDER BY dcc.id`

	countDocumentSetCCPairs = `-- name: CountDocumentSetCCPairs :one
SELECT COUNT(*) FROM document_set__connector_credential_pair
WHERE document_set_id = $1 AND is_current`

	deleteStaleDocumentSetCCPairs = `-- name: DeleteStaleDocumentSetCCPairs :exec
DELETE FROM document_set__connector_credential_pair
WHERE document_set_id = $1 AND NOT is_current`

	markDocumentSetUpToDate = `-- name: MarkDocumentSetUpToDate :execrows
UPDATE document_set SET is_up_to_date = TRUE WHERE id = $1`

	deleteDocumentSetCCPairs = `-- name: DeleteDocumentSetCCPairs :exec
DELETE FROM document_set__connector_credential_pair WHERE document_set_id = $1`

	deleteDocumentSet = `-- name: DeleteDocumentSet :exec
DELETE FROM document_set WHERE id = $1`

	deleteDocumentSetCCPairLinks = `-- name: DeleteDocumentSetCCPairLinks :exec
DELETE FROM document_set__connector_credential_pair WHERE connector_credential_pair_id = $1`

	getUserGroup = `-- name: GetUserGroup :one
SELECT id, name, is_up_to_date, is_up_for_deletion FROM user_group WHERE id = $1`

	listOutdatedUserGroups = `-- name: ListOutdatedUserGroups :many
SELECT id, name, is_up_to_date, is_up_for_deletion FROM user_group
WHERE NOT is_up_to_date ORDER BY id`

	documentIDsForUserGroup = `-- name: DocumentIDsForUserGroup :many
SELECT DISTINCT dcc.id FROM document_by_connector_credential_pair dcc
JOIN connector_credential_pair cc
  ON cc.connector_id = dcc.connector_id AND cc.credential_id = dcc.credential_id
JOIN user_group__connector_credential_pair ugcc ON ugcc.cc_pair_id = cc.id
WHERE ugcc.user_group_id = $1
ORDER BY dcc.id`

	deleteStaleUserGroupCCPairs = `-- name: DeleteStaleUserGroupCCPairs :exec
DELETE FROM user_group__connector_credential_pair
WHERE user_group_id = $1 AND NOT is_current`

	markUserGroupUpToDate = `-- name: MarkUserGroupUpToDate :execrows
UPDATE user_group SET is_up_to_date = TRUE WHERE id = $1`

	deleteUserGroupCCPairs = `-- name: DeleteUserGroupCCPairs :exec
DELETE FROM user_group__connector_credential_pair WHERE user_group_id = $1`

	deleteUserGroup = `-- name: DeleteUserGroup :exec
DELETE FROM user_group WHERE id = $1`

	deleteUserGroupCCPairLinks = `-- name: DeleteUserGroupCCPairLinks :exec
DELETE FROM user_group__connector_credential_pair WHERE cc_pair_id = $1`
)
