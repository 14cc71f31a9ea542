package storage

// freelist est une pile LIFO de pages libres persistée comme une séquence chaînée de
// pages de type PageTypeFreelist : chaque page de la liste stocke un lot d'identifiants
// de pages libres plus un pointeur vers la page suivante de la chaîne (§4.3, §4.5 étape 5).
//
// En mémoire, la liste est tenue comme une simple pile ; elle est (dé)sérialisée vers
// des pages lors du checkpoint/de l'ouverture, exactement comme le B-tree primaire.
type freelist struct {
	pages []PageID
}

func newFreelist() *freelist {
	return &freelist{}
}

func (f *freelist) push(id PageID) {
	f.pages = append(f.pages, id)
}

func (f *freelist) pop() (PageID, bool) {
	if len(f.pages) == 0 {
		return 0, false
	}
	n := len(f.pages) - 1
	id := f.pages[n]
	f.pages = f.pages[:n]
	return id, true
}

func (f *freelist) len() int { return len(f.pages) }

// encodeFreelistPages sérialise la pile en une chaîne de pages PageTypeFreelist, chacune
// contenant autant d'identifiants qu'elle peut en loger dans un seul slot record.
// Retourne l'identifiant de la première page de la chaîne (tête de liste persistée
// dans l'en-tête de base), ou 0 si la liste est vide.
func encodeFreelistPages(f *freelist, pageSize int, allocate func() (PageID, *Page)) (PageID, error) {
	if len(f.pages) == 0 {
		return 0, nil
	}
	// espace d'un record unique sur une page vierge, arrondi au multiple de 8 (padding)
	idsPerRecord := (pageSize - pageHeaderSize - slotEntrySize - recordHeaderSize - crcTrailerSize) / 8 * 2
	var head PageID
	var prevPage *Page
	ids := f.pages
	for len(ids) > 0 {
		chunk := ids
		if len(chunk) > idsPerRecord {
			chunk = chunk[:idsPerRecord]
		}
		ids = ids[len(chunk):]

		id, page := allocate()
		if head == 0 {
			head = id
		}
		buf := make([]byte, 0, len(chunk)*4)
		for _, pid := range chunk {
			var b [4]byte
			b[0] = byte(pid)
			b[1] = byte(pid >> 8)
			b[2] = byte(pid >> 16)
			b[3] = byte(pid >> 24)
			buf = append(buf, b[:]...)
		}
		if _, err := page.InsertRecord(RecordFree, buf); err != nil {
			return 0, NewError(KindResourceExhausted, "freelist.encode", err)
		}
		if prevPage != nil {
			prevPage.SetNextPageID(id)
		}
		prevPage = page
	}
	return head, nil
}

// decodeFreelistPages relit une chaîne de pages freelist à partir de sa tête.
func decodeFreelistPages(head PageID, fetch func(PageID) (*Page, error)) (*freelist, error) {
	f := newFreelist()
	id := head
	for id != 0 {
		page, err := fetch(id)
		if err != nil {
			return nil, err
		}
		err = page.IterateSlots(func(_ SlotIndex, _ RecordKind, payload []byte) error {
			for i := 0; i+4 <= len(payload); i += 4 {
				pid := PageID(uint32(payload[i]) | uint32(payload[i+1])<<8 | uint32(payload[i+2])<<16 | uint32(payload[i+3])<<24)
				f.push(pid)
			}
			return nil
		})
		if err != nil {
			return nil, err
		}
		id = page.NextPageID()
	}
	return f, nil
}
