package backend

import (
	"context"
	"fmt"

	"github.com/slok/pkgworker/internal/model"
)

// BuildTransaction adds to the transaction the operations implied by the task kind.
func BuildTransaction(ctx context.Context, tx Transaction, task model.Task, inst Installation) error {
	switch task.Kind {
	case model.TaskKindInstall:
		if task.UninstallBeforeInstall {
			if err := tx.AddUninstall(task.Ref); err != nil {
				return err
			}
		}
		return tx.AddInstall(task.Remote, task.Ref)

	case model.TaskKindInstallBundle:
		if task.UninstallBeforeInstall && task.Ref != "" {
			if err := tx.AddUninstall(task.Ref); err != nil {
				return err
			}
		}
		return tx.AddInstallBundle(task.Path)

	case model.TaskKindUninstall:
		return tx.AddUninstall(task.Ref)

	case model.TaskKindUpdate:
		return tx.AddUpdate(task.Ref)

	case model.TaskKindUpdateInstallation:
		refs, err := inst.ListInstalled(ctx)
		if err != nil {
			return fmt.Errorf("could not list installed refs: %w", err)
		}
		for _, r := range refs {
			if err := tx.AddUpdate(r.Ref); err != nil {
				return err
			}
		}
		return nil
	}

	return fmt.Errorf("task kind %s is not a transaction: %w", task.Kind, model.ErrNotValid)
}
