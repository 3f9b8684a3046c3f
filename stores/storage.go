package stores

import (
	"os"

	"canvas-sync/core"
	"canvas-sync/stores/memory"
	"canvas-sync/stores/sqlite"

	"github.com/sirupsen/logrus"
)

// Store is everything the reference server persists.
type Store interface {
	core.CanvasStore
	core.BlockStore
	core.MemberStore
	core.RoomRegistry
}

func GetStore() Store {
	storageType := os.Getenv("STORAGE_TYPE")
	var store Store

	storageField := logrus.Fields{
		"storageType": storageType,
	}

	switch storageType {
	case "sqlite":
		dataSourceName := os.Getenv("DATA_SOURCE_NAME")
		storageField["dataSourceName"] = dataSourceName
		store = sqlite.NewStore(dataSourceName)
	default:
		store = memory.NewStore()
		storageField["storageType"] = "in-memory"
	}
	logrus.WithFields(storageField).Info("Use storage")
	return store
}
