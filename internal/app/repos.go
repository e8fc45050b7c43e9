package app

import (
	"gorm.io/gorm"

	"github.com/yungbote/snovault-indexer/internal/data/repos/storage"
	"github.com/yungbote/snovault-indexer/internal/data/repos/txlog"
	"github.com/yungbote/snovault-indexer/internal/platform/logger"
)

type Repos struct {
	TxLog txlog.Repo
	Items storage.ItemRepo
}

func wireRepos(db *gorm.DB, log *logger.Logger) Repos {
	log.Info("Wiring repos...")
	tl := txlog.NewRepo(db, log)
	return Repos{
		TxLog: tl,
		Items: storage.NewItemRepo(db, log, tl),
	}
}
