package cache

// SetBeforeCommit installs a hook that runs inside ApplyFolderSync just
// before commit. A non-nil error aborts the transaction.
func (s *Store) SetBeforeCommit(fn func() error) {
	s.beforeCommit = fn
}
