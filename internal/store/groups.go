package store

import (
	"database/sql"
	"fmt"
	"time"

	"newsdesk/internal/core"
)

// CreateGroup inserts a new group and returns its id. The main topic is
// normalized onto the fixed category set.
func (s *Store) CreateGroup(tx Execer, mainTopic, subTopic, label, description string, consistency float64) (int64, error) {
	now := core.FormatTime(time.Now())
	res, err := s.exec(tx).Exec(`
		INSERT INTO groups (main_topic, sub_topic, group_label, description, consistency_score, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		core.NormalizeCategory(mainTopic), subTopic, label, description, consistency, now, now)
	if err != nil {
		return 0, mapErr(fmt.Errorf("failed to create group: %w", err))
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("failed to read group id: %w", err)
	}
	return id, nil
}

// MoveArticleToGroup places an article in a group, removing any prior
// membership first. Without a caller transaction the delete and insert
// share one of their own.
func (s *Store) MoveArticleToGroup(tx Execer, articleID, groupID int64) error {
	if tx == nil {
		return s.WithTx(func(t *sql.Tx) error {
			return s.MoveArticleToGroup(t, articleID, groupID)
		})
	}
	if _, err := tx.Exec(`DELETE FROM group_memberships WHERE article_id = ?`, articleID); err != nil {
		return mapErr(fmt.Errorf("failed to clear membership: %w", err))
	}
	_, err := tx.Exec(`
		INSERT INTO group_memberships (article_id, group_id, added_at) VALUES (?, ?, ?)`,
		articleID, groupID, core.FormatTime(time.Now()))
	if err != nil {
		return mapErr(fmt.Errorf("failed to insert membership: %w", err))
	}
	_, err = tx.Exec(`UPDATE groups SET updated_at = ? WHERE group_id = ?`,
		core.FormatTime(time.Now()), groupID)
	if err != nil {
		return mapErr(fmt.Errorf("failed to touch group: %w", err))
	}
	return nil
}

// DeleteGroup removes a group; membership and entity rows cascade.
func (s *Store) DeleteGroup(tx Execer, groupID int64) error {
	_, err := s.exec(tx).Exec(`DELETE FROM groups WHERE group_id = ?`, groupID)
	if err != nil {
		return mapErr(fmt.Errorf("failed to delete group: %w", err))
	}
	return nil
}

// UpdateGroupLabel rewrites a group's label and description after a merge.
func (s *Store) UpdateGroupLabel(tx Execer, groupID int64, label, description string) error {
	_, err := s.exec(tx).Exec(`
		UPDATE groups SET group_label = ?, description = ?, updated_at = ? WHERE group_id = ?`,
		label, description, core.FormatTime(time.Now()), groupID)
	if err != nil {
		return mapErr(fmt.Errorf("failed to update group label: %w", err))
	}
	return nil
}

// GroupByID returns one group with its member article ids, or nil.
func (s *Store) GroupByID(id int64) (*core.Group, error) {
	row := s.db.QueryRow(`
		SELECT group_id, main_topic, COALESCE(sub_topic, ''), group_label, COALESCE(description, ''),
		       consistency_score, created_at, updated_at
		FROM groups WHERE group_id = ?`, id)

	g, err := scanGroup(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan group: %w", err)
	}
	if g.ArticleIDs, err = s.groupMembers(g.ID); err != nil {
		return nil, err
	}
	return g, nil
}

// GroupsWithMembers returns every group that currently has at least one
// article, member ids included.
func (s *Store) GroupsWithMembers() ([]core.Group, error) {
	rows, err := s.db.Query(`
		SELECT g.group_id, g.main_topic, COALESCE(g.sub_topic, ''), g.group_label,
		       COALESCE(g.description, ''), g.consistency_score, g.created_at, g.updated_at
		FROM groups g
		WHERE EXISTS (SELECT 1 FROM group_memberships gm WHERE gm.group_id = g.group_id)
		ORDER BY g.group_id ASC`)
	if err != nil {
		return nil, mapErr(fmt.Errorf("failed to query groups: %w", err))
	}
	defer rows.Close()

	var groups []core.Group
	for rows.Next() {
		g, err := scanGroup(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan group: %w", err)
		}
		groups = append(groups, *g)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for i := range groups {
		if groups[i].ArticleIDs, err = s.groupMembers(groups[i].ID); err != nil {
			return nil, err
		}
	}
	return groups, nil
}

// RecentGroupsByMemberCount returns groups with members published inside
// the window, largest membership first. Used by the trend floor.
func (s *Store) RecentGroupsByMemberCount(window time.Duration, limit int) ([]core.Group, error) {
	cutoff := core.FormatTime(time.Now().Add(-window))
	rows, err := s.db.Query(`
		SELECT g.group_id, g.main_topic, COALESCE(g.sub_topic, ''), g.group_label,
		       COALESCE(g.description, ''), g.consistency_score, g.created_at, g.updated_at,
		       COUNT(gm.article_id) AS members
		FROM groups g
		JOIN group_memberships gm ON gm.group_id = g.group_id
		JOIN articles a ON a.id = gm.article_id
		WHERE a.published_date >= ?
		GROUP BY g.group_id
		ORDER BY members DESC, g.group_id ASC
		LIMIT ?`, cutoff, limit)
	if err != nil {
		return nil, mapErr(fmt.Errorf("failed to query recent groups: %w", err))
	}
	defer rows.Close()

	var groups []core.Group
	for rows.Next() {
		var g core.Group
		var created, updated string
		var members int
		if err := rows.Scan(&g.ID, &g.MainTopic, &g.SubTopic, &g.Label, &g.Description,
			&g.ConsistencyScore, &created, &updated, &members); err != nil {
			return nil, fmt.Errorf("failed to scan recent group: %w", err)
		}
		if t, err := core.ParseTime(created); err == nil {
			g.CreatedAt = t
		}
		if t, err := core.ParseTime(updated); err == nil {
			g.UpdatedAt = t
		}
		groups = append(groups, g)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for i := range groups {
		if groups[i].ArticleIDs, err = s.groupMembers(groups[i].ID); err != nil {
			return nil, err
		}
	}
	return groups, nil
}

// MergeGroups folds the loser group into the survivor in one transaction:
// the survivor gets the unified label, loser memberships move over with
// INSERT OR IGNORE, and the loser row is deleted (cascading the rest).
func (s *Store) MergeGroups(survivorID, loserID int64, label, description string) error {
	return s.WithTx(func(tx *sql.Tx) error {
		if err := s.UpdateGroupLabel(tx, survivorID, label, description); err != nil {
			return err
		}
		// Memberships are keyed by article, so reassign rather than copy.
		if _, err := tx.Exec(`
			UPDATE OR IGNORE group_memberships SET group_id = ?, added_at = ?
			WHERE group_id = ?`, survivorID, core.FormatTime(time.Now()), loserID); err != nil {
			return fmt.Errorf("failed to move memberships: %w", err)
		}
		if _, err := tx.Exec(`DELETE FROM groups WHERE group_id = ?`, loserID); err != nil {
			return fmt.Errorf("failed to delete merged group: %w", err)
		}
		return nil
	})
}

// groupMembers lists the article ids of one group, newest first.
func (s *Store) groupMembers(groupID int64) ([]int64, error) {
	rows, err := s.db.Query(`
		SELECT gm.article_id
		FROM group_memberships gm
		JOIN articles a ON a.id = gm.article_id
		WHERE gm.group_id = ?
		ORDER BY a.published_date DESC, a.id DESC`, groupID)
	if err != nil {
		return nil, mapErr(fmt.Errorf("failed to query members: %w", err))
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan member: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func scanGroup(row rowScanner) (*core.Group, error) {
	var g core.Group
	var created, updated string
	err := row.Scan(&g.ID, &g.MainTopic, &g.SubTopic, &g.Label, &g.Description,
		&g.ConsistencyScore, &created, &updated)
	if err != nil {
		return nil, err
	}
	if t, err := core.ParseTime(created); err == nil {
		g.CreatedAt = t
	}
	if t, err := core.ParseTime(updated); err == nil {
		g.UpdatedAt = t
	}
	return &g, nil
}
